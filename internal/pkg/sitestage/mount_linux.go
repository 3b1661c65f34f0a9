// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

package sitestage

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// mountProc mounts a fresh procfs at target with NOSUID|NOEXEC|NODEV.
func mountProc(target string) error {
	flags := uintptr(unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV)
	if err := unix.Mount("proc", target, "proc", flags, ""); err != nil {
		return errors.Wrapf(err, "mounting proc at %s", target)
	}
	return nil
}
