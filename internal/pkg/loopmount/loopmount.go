// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

// Package loopmount mounts an image file as a loop-backed filesystem,
// dispatching on ImageFormat and shelling out to the site's
// setuid-safe mount helper rather than issuing the loop-device ioctls
// directly, since the mount helper path is what carries the necessary
// privilege on most site installations.
package loopmount

import (
	"os/exec"

	"github.com/pkg/errors"

	"github.com/NERSC/shifter-sub000/internal/pkg/imagemeta"
)

// Options configures one loop mount.
type Options struct {
	MountHelper string
	ImagePath   string
	MountPoint  string
	Format      imagemeta.Format
	ReadOnly    bool
}

// Mount dispatches on opts.Format and invokes the mount helper with
// the per-format flag set below. VFS images are a no-op: they are
// already a plain directory tree.
func Mount(opts Options) error {
	if opts.Format == imagemeta.VFS {
		return nil
	}

	fsType, flags, err := formatOptions(opts.Format, opts.ReadOnly)
	if err != nil {
		return err
	}

	args := []string{"-n", "-t", fsType, "-o", flags, opts.ImagePath, opts.MountPoint}
	cmd := exec.Command(opts.MountHelper, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "mount helper failed: %s", string(out))
	}
	return nil
}

// formatOptions returns the mount(8) fstype and -o option string for
// format. xfs omits "autoclear" because per-node caches must persist
// their loop device past the mount helper's exit.
func formatOptions(format imagemeta.Format, readOnly bool) (fsType, opts string, err error) {
	var base string
	switch format {
	case imagemeta.EXT4:
		fsType, base = "ext4", "loop,nosuid,nodev,autoclear"
	case imagemeta.SQUASHFS:
		fsType, base = "squashfs", "loop,nosuid,nodev,autoclear"
	case imagemeta.CRAMFS:
		fsType, base = "cramfs", "loop,nosuid,nodev,autoclear"
	case imagemeta.XFS:
		fsType, base = "xfs", "loop,nosuid,nodev"
	default:
		return "", "", errors.Errorf("unsupported loop-mount format %v", format)
	}
	if readOnly {
		base += ",ro"
	}
	return fsType, base, nil
}
