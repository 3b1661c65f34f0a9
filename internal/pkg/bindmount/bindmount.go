// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

// Package bindmount performs the two-step (bind, then remount with
// flags) discipline bind mounts require on Linux: the initial bind
// mount inherits the source's mount flags verbatim, so
// NOSUID/NODEV/RDONLY are only actually established by the subsequent
// remount.
package bindmount

import (
	"path/filepath"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/NERSC/shifter-sub000/internal/pkg/mountlist"
	"github.com/NERSC/shifter-sub000/internal/pkg/sylog"
	"github.com/NERSC/shifter-sub000/internal/pkg/volumemap"
)

// Propagation selects the propagation mount applied in step 9.
type Propagation int

const (
	PropSlave Propagation = iota
	PropPrivate
)

// Options configures one BindMount call.
type Options struct {
	Source             string
	Target             string
	Flags              []volumemap.Flag
	OverwriteAllowed   bool
	DefaultPropagation Propagation
	MaxRetries         int
}

// mountFn/unmountFn abstract the raw syscalls so tests can substitute
// fakes without touching the kernel.
var mountFn = unix.Mount
var unmountFn = func(target string, flags int) error { return unix.Unmount(target, flags) }

// BindMount executes the full bind/remount/propagation sequence and
// updates ml to reflect the new mount.
func BindMount(ml *mountlist.MountList, opts Options) error {
	target := filepath.Clean(opts.Target)

	if ml.Find(target) {
		if !opts.OverwriteAllowed {
			return errors.Errorf("target %s already mounted and overwrite not allowed", target)
		}
		if err := retryUnmount(ml, target, opts.MaxRetries); err != nil {
			return errors.Wrapf(err, "clearing existing mount at %s", target)
		}
	}

	recursive := strings.HasPrefix(opts.Source, "/dev/") || opts.Source == "/dev" || hasFlag(opts.Flags, volumemap.Recursive)
	initialFlags := uintptr(unix.MS_BIND)
	if recursive {
		initialFlags |= unix.MS_REC
	}

	if err := mountFn(opts.Source, target, "", initialFlags, ""); err != nil {
		return errors.Wrapf(err, "bind mounting %s -> %s", opts.Source, target)
	}
	ml.Insert(target)

	remountFlags := uintptr(unix.MS_REMOUNT | unix.MS_BIND | unix.MS_NOSUID)
	if !(opts.Source == "/dev" || strings.HasPrefix(opts.Source, "/dev/")) {
		remountFlags |= unix.MS_NODEV
	}
	if hasFlag(opts.Flags, volumemap.ReadOnly) {
		remountFlags |= unix.MS_RDONLY
	}
	if recursive {
		remountFlags |= unix.MS_REC
	}
	if err := mountFn(opts.Source, target, "", remountFlags, ""); err != nil {
		rollback(ml, target)
		return errors.Wrapf(err, "remounting %s with flags", target)
	}

	propFlags := uintptr(0)
	switch {
	case opts.Source == "/dev" || strings.HasPrefix(opts.Source, "/dev/") || recursive:
		propFlags = unix.MS_PRIVATE | unix.MS_REC
	case hasFlag(opts.Flags, volumemap.Slave):
		propFlags = unix.MS_SLAVE
	case hasFlag(opts.Flags, volumemap.Private):
		propFlags = unix.MS_PRIVATE
	case opts.DefaultPropagation == PropPrivate:
		propFlags = unix.MS_PRIVATE
	default:
		propFlags = unix.MS_SLAVE
	}
	if err := mountFn("", target, "", propFlags, ""); err != nil {
		rollback(ml, target)
		return errors.Wrapf(err, "setting propagation on %s", target)
	}

	return nil
}

func rollback(ml *mountlist.MountList, target string) {
	if err := unmountFn(target, unix.MNT_DETACH|unix.UMOUNT_NOFOLLOW); err != nil {
		sylog.Warningf("rollback unmount of %s failed: %v", target, err)
	}
	ml.Remove(target)
}

func hasFlag(flags []volumemap.Flag, k volumemap.FlagKind) bool {
	for _, f := range flags {
		if f.Kind == k {
			return true
		}
	}
	return false
}

func retryUnmount(ml *mountlist.MountList, target string, maxRetries int) error {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(mountlist.RetryInterval), uint64(maxRetries))
	return backoff.Retry(func() error {
		if err := ml.UnmountTree(target); err != nil {
			return err
		}
		ok, err := mountlist.ValidateUnmounted(target, true)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errors.Errorf("target %s still mounted after unmount attempt", target)
		}
		return nil
	}, b)
}
