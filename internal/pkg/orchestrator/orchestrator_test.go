// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

package orchestrator

import (
	"reflect"
	"testing"

	"github.com/NERSC/shifter-sub000/internal/pkg/bindmount"
	"github.com/NERSC/shifter-sub000/internal/pkg/config"
	"github.com/NERSC/shifter-sub000/internal/pkg/imagemeta"
)

func TestCalculateArgsEntrypointOverrideWins(t *testing.T) {
	j := &Job{
		Req:  Request{EntrypointOverride: true, Args: []string{"a", "b"}},
		meta: &imagemeta.ImageMetadata{Entrypoint: "/entry.sh"},
	}
	got := calculateArgs(j)
	want := []string{"/entry.sh", "a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("calculateArgs = %v, want %v", got, want)
	}
}

func TestCalculateArgsExplicitArgsWithoutOverride(t *testing.T) {
	j := &Job{
		Req:  Request{Args: []string{"echo", "hi"}},
		meta: &imagemeta.ImageMetadata{Entrypoint: "/entry.sh"},
	}
	got := calculateArgs(j)
	want := []string{"echo", "hi"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("calculateArgs = %v, want %v", got, want)
	}
}

func TestCalculateArgsFallsBackToImageEntrypoint(t *testing.T) {
	j := &Job{
		Req:  Request{},
		meta: &imagemeta.ImageMetadata{Entrypoint: "/entry.sh"},
	}
	got := calculateArgs(j)
	want := []string{"/entry.sh"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("calculateArgs = %v, want %v", got, want)
	}
}

func TestCalculateArgsFallsBackToShell(t *testing.T) {
	j := &Job{Req: Request{}, meta: &imagemeta.ImageMetadata{}}
	got := calculateArgs(j)
	want := []string{"/bin/sh"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("calculateArgs = %v, want %v", got, want)
	}
}

func TestPropagationOfPrivate(t *testing.T) {
	cfg := &config.RuntimeConfig{MountPropagationStyle: config.PropagationPrivate}
	if got := propagationOf(cfg); got != bindmount.PropPrivate {
		t.Fatalf("propagationOf = %v, want PropPrivate", got)
	}
}

func TestPropagationOfSlaveDefault(t *testing.T) {
	cfg := &config.RuntimeConfig{MountPropagationStyle: config.PropagationSlave}
	if got := propagationOf(cfg); got != bindmount.PropSlave {
		t.Fatalf("propagationOf = %v, want PropSlave", got)
	}
}

func TestAllowedCreateDeviceMatchesContainerRootDevice(t *testing.T) {
	root := t.TempDir()
	want, err := deviceOfPath(root)
	if err != nil {
		t.Fatalf("deviceOfPath: %v", err)
	}
	if got := allowedCreateDevice(root); got != want {
		t.Fatalf("allowedCreateDevice = %d, want %d (container root's own device)", got, want)
	}
}

func TestAllowedCreateDeviceNonexistentPathReturnsZero(t *testing.T) {
	if got := allowedCreateDevice("/nonexistent/path/for/shifter-sub000-test"); got != 0 {
		t.Fatalf("allowedCreateDevice = %d, want 0", got)
	}
}
