// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

package loopmount

import (
	"strings"
	"testing"

	"github.com/NERSC/shifter-sub000/internal/pkg/imagemeta"
)

func TestFormatOptionsExt4(t *testing.T) {
	fsType, opts, err := formatOptions(imagemeta.EXT4, false)
	if err != nil {
		t.Fatalf("formatOptions: %v", err)
	}
	if fsType != "ext4" {
		t.Fatalf("fsType = %q, want ext4", fsType)
	}
	if !strings.Contains(opts, "autoclear") {
		t.Fatalf("opts = %q, want autoclear for ext4", opts)
	}
}

func TestFormatOptionsXFSHasNoAutoclear(t *testing.T) {
	_, opts, err := formatOptions(imagemeta.XFS, false)
	if err != nil {
		t.Fatalf("formatOptions: %v", err)
	}
	if strings.Contains(opts, "autoclear") {
		t.Fatalf("opts = %q, xfs must not autoclear its loop device", opts)
	}
}

func TestFormatOptionsReadOnlyAppendsRO(t *testing.T) {
	_, opts, err := formatOptions(imagemeta.SQUASHFS, true)
	if err != nil {
		t.Fatalf("formatOptions: %v", err)
	}
	if !strings.HasSuffix(opts, ",ro") {
		t.Fatalf("opts = %q, want trailing ,ro", opts)
	}
}

func TestFormatOptionsUnsupportedFormat(t *testing.T) {
	if _, _, err := formatOptions(imagemeta.Invalid, false); err == nil {
		t.Fatal("expected error for an unsupported format")
	}
}

func TestMountVFSIsNoop(t *testing.T) {
	if err := Mount(Options{Format: imagemeta.VFS, MountHelper: "/nonexistent/helper"}); err != nil {
		t.Fatalf("Mount: %v, want nil for a VFS image regardless of the mount helper", err)
	}
}

func TestMountInvokesHelperWithArgs(t *testing.T) {
	err := Mount(Options{
		Format:      imagemeta.EXT4,
		MountHelper: "/bin/true",
		ImagePath:   "/images/alpine.ext4",
		MountPoint:  "/var/udiLoopMount",
	})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
}

func TestMountHelperFailurePropagatesError(t *testing.T) {
	err := Mount(Options{
		Format:      imagemeta.EXT4,
		MountHelper: "/bin/false",
		ImagePath:   "/images/alpine.ext4",
		MountPoint:  "/var/udiLoopMount",
	})
	if err == nil {
		t.Fatal("expected error when the mount helper exits non-zero")
	}
}
