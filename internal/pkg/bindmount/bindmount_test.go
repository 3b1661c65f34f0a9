// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

package bindmount

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/NERSC/shifter-sub000/internal/pkg/mountlist"
	"github.com/NERSC/shifter-sub000/internal/pkg/volumemap"
)

type mountCall struct {
	source, target string
	flags          uintptr
}

func withFakeMount(t *testing.T) *[]mountCall {
	t.Helper()
	var calls []mountCall
	origMount, origUnmount := mountFn, unmountFn
	mountFn = func(source, target, fstype string, flags uintptr, data string) error {
		calls = append(calls, mountCall{source, target, flags})
		return nil
	}
	unmountFn = func(target string, flags int) error { return nil }
	t.Cleanup(func() {
		mountFn = origMount
		unmountFn = origUnmount
	})
	return &calls
}

func TestBindMountPerformsBindThenRemountThenPropagation(t *testing.T) {
	calls := withFakeMount(t)
	ml := &mountlist.MountList{}

	err := BindMount(ml, Options{Source: "/host/data", Target: "/var/udiMount/data"})
	if err != nil {
		t.Fatalf("BindMount: %v", err)
	}

	if len(*calls) != 3 {
		t.Fatalf("expected 3 mount syscalls, got %d: %+v", len(*calls), *calls)
	}
	if (*calls)[0].flags&unix.MS_BIND == 0 {
		t.Fatalf("first call should be a bind mount, got flags %x", (*calls)[0].flags)
	}
	if (*calls)[1].flags&(unix.MS_REMOUNT|unix.MS_BIND) != unix.MS_REMOUNT|unix.MS_BIND {
		t.Fatalf("second call should remount with bind, got flags %x", (*calls)[1].flags)
	}
	if (*calls)[2].flags&unix.MS_SLAVE == 0 {
		t.Fatalf("third call should set slave propagation by default, got flags %x", (*calls)[2].flags)
	}
	if !ml.Find("/var/udiMount/data") {
		t.Fatal("expected mountlist to record the new target")
	}
}

func TestBindMountReadOnlyFlagSetsRDONLYOnRemount(t *testing.T) {
	calls := withFakeMount(t)
	ml := &mountlist.MountList{}

	err := BindMount(ml, Options{
		Source: "/host/data",
		Target: "/var/udiMount/data",
		Flags:  []volumemap.Flag{{Kind: volumemap.ReadOnly}},
	})
	if err != nil {
		t.Fatalf("BindMount: %v", err)
	}
	if (*calls)[1].flags&unix.MS_RDONLY == 0 {
		t.Fatalf("expected RDONLY on the remount call, got flags %x", (*calls)[1].flags)
	}
}

func TestBindMountDevSourceIsRecursiveAndPrivate(t *testing.T) {
	calls := withFakeMount(t)
	ml := &mountlist.MountList{}

	err := BindMount(ml, Options{Source: "/dev", Target: "/var/udiMount/dev", OverwriteAllowed: true})
	if err != nil {
		t.Fatalf("BindMount: %v", err)
	}
	if (*calls)[0].flags&unix.MS_REC == 0 {
		t.Fatalf("expected /dev bind to be recursive, got flags %x", (*calls)[0].flags)
	}
	if (*calls)[2].flags&unix.MS_PRIVATE == 0 {
		t.Fatalf("expected /dev propagation to be private, got flags %x", (*calls)[2].flags)
	}
}

func TestBindMountRejectsOverwriteWhenNotAllowed(t *testing.T) {
	withFakeMount(t)
	ml := &mountlist.MountList{}
	ml.Insert("/var/udiMount/data")

	err := BindMount(ml, Options{Source: "/host/data", Target: "/var/udiMount/data"})
	if err == nil {
		t.Fatal("expected error when target is already mounted and overwrite is not allowed")
	}
}

func TestBindMountSlaveFlagOverridesDefaultPropagation(t *testing.T) {
	calls := withFakeMount(t)
	ml := &mountlist.MountList{}

	err := BindMount(ml, Options{
		Source:             "/host/data",
		Target:             "/var/udiMount/data",
		Flags:              []volumemap.Flag{{Kind: volumemap.Slave}},
		DefaultPropagation: PropPrivate,
	})
	if err != nil {
		t.Fatalf("BindMount: %v", err)
	}
	if (*calls)[2].flags&unix.MS_SLAVE == 0 {
		t.Fatalf("expected slave propagation from explicit flag, got flags %x", (*calls)[2].flags)
	}
}
