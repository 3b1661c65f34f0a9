// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

// Package privdrop sequences the final, irrevocable privilege descent
// from root to the target job's identity. Any failure at any step is
// fatal: no user-supplied code may run once this sequence has begun,
// so callers are expected to route errors from this package directly
// to sylog.Fatalf.
package privdrop

import (
	"os"

	"github.com/ccoveille/go-safecast"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// capLastCapPath is the kernel pseudo-file reporting the highest
// capability value the running kernel understands.
const capLastCapPath = "/proc/sys/kernel/cap_last_cap"

// probeMaxCap is the fallback upper bound when cap_last_cap cannot be
// read.
const probeMaxCap = 100

// Target describes the identity the process is dropping to.
type Target struct {
	UID     int
	GID     int
	AuxGIDs []int
}

// DropBoundingSet clears every capability in the kernel's bounding set
// from 0 up to cap_last_cap (or probeMaxCap if unreadable), revoking
// all future file-capability promotions for this process and its
// descendants.
func DropBoundingSet() error {
	last, err := readCapLastCap()
	if err != nil {
		last = probeMaxCap
	}
	for cap := 0; cap <= last; cap++ {
		u, err := safecast.ToUintptr(cap)
		if err != nil {
			return errors.Wrapf(err, "casting capability index %d", cap)
		}
		if _, _, errno := unix.Syscall(unix.SYS_PRCTL, unix.PR_CAPBSET_DROP, u, 0); errno != 0 {
			if errno == unix.EINVAL {
				// kernel does not know this capability number; later
				// values will also fail the same way, stop early.
				break
			}
			return errors.Wrapf(errno, "dropping capability %d from bounding set", cap)
		}
	}
	return nil
}

func readCapLastCap() (int, error) {
	data, err := os.ReadFile(capLastCapPath)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range data {
		if b < '0' || b > '9' {
			break
		}
		n = n*10 + int(b-'0')
	}
	if n == 0 {
		return 0, errors.New("empty cap_last_cap")
	}
	return n, nil
}

// Drop performs the exact sequence needed to shed root privilege:
// setgroups to the target's auxiliary gids, setresgid and setresuid
// three-way to the target identity, then PR_SET_NO_NEW_PRIVS.
// DropBoundingSet must already have been called.
func Drop(t Target) error {
	if err := unix.Setgroups(t.AuxGIDs); err != nil {
		return errors.Wrap(err, "setgroups")
	}
	if err := unix.Setresgid(t.GID, t.GID, t.GID); err != nil {
		return errors.Wrap(err, "setresgid")
	}
	if err := unix.Setresuid(t.UID, t.UID, t.UID); err != nil {
		return errors.Wrap(err, "setresuid")
	}
	if _, _, errno := unix.Syscall(unix.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0); errno != 0 {
		return errors.Wrap(errno, "setting no_new_privs")
	}
	return nil
}

// Verify checks that the real/effective/saved uid and gid all equal
// the target identity, for the orchestrator to assert before exec.
func Verify(t Target) error {
	var ruid, euid, suid int
	unix.Getresuid(&ruid, &euid, &suid)
	var rgid, egid, sgid int
	unix.Getresgid(&rgid, &egid, &sgid)
	if ruid != t.UID || euid != t.UID || suid != t.UID {
		return errors.Errorf("uid transition incomplete: got (%d,%d,%d) want %d", ruid, euid, suid, t.UID)
	}
	if rgid != t.GID || egid != t.GID || sgid != t.GID {
		return errors.Errorf("gid transition incomplete: got (%d,%d,%d) want %d", rgid, egid, sgid, t.GID)
	}
	return nil
}
