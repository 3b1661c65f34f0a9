// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

// Package mountlist maintains an in-memory model of the current
// process's mount table, parsed from the kernel's per-process
// mount-info pseudo-file. It is the bookkeeping the
// orchestrator consults before every bind/remount/unmount so that
// mutations never race an inaccurate view of what is already mounted.
package mountlist

import (
	"bufio"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/NERSC/shifter-sub000/internal/pkg/sylog"
)

// SortOrder selects forward or reverse lexical ordering of mount
// points; unmountTree flips to Reverse so that child mounts are torn
// down before their parents.
type SortOrder int

const (
	Forward SortOrder = iota
	Reverse
)

// MountList is an ordered set of absolute mount point paths.
type MountList struct {
	points []string
	sort   SortOrder
}

// MountInfoPath is the kernel pseudo-file this package parses;
// overridable in tests.
var MountInfoPath = "/proc/self/mountinfo"

// Parse reads the per-process mount table and returns a freshly
// populated, forward-sorted MountList.
func Parse() (*MountList, error) {
	f, err := os.Open(MountInfoPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening mountinfo")
	}
	defer f.Close()
	return ParseReader(f)
}

// ParseReader parses mountinfo-format content from r; split out for
// testability without touching /proc.
func ParseReader(r interface{ Read([]byte) (int, error) }) (*MountList, error) {
	ml := &MountList{sort: Forward}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		// mountinfo's fifth whitespace-separated field is the mount
		// point.
		ml.Insert(fields[4])
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning mountinfo")
	}
	return ml, nil
}

// SetSort changes the active sort order and re-sorts in place.
func (ml *MountList) SetSort(order SortOrder) {
	ml.sort = order
	ml.resort()
}

func (ml *MountList) resort() {
	if ml.sort == Forward {
		sort.Strings(ml.points)
	} else {
		sort.Sort(sort.Reverse(sort.StringSlice(ml.points)))
	}
}

// Insert adds path in sorted position if not already present.
func (ml *MountList) Insert(path string) {
	if ml.Find(path) {
		return
	}
	ml.points = append(ml.points, path)
	ml.resort()
}

// Remove deletes path if present.
func (ml *MountList) Remove(path string) {
	for i, p := range ml.points {
		if p == path {
			ml.points = append(ml.points[:i], ml.points[i+1:]...)
			return
		}
	}
}

// Find reports whether path is exactly present.
func (ml *MountList) Find(path string) bool {
	for _, p := range ml.points {
		if p == path {
			return true
		}
	}
	return false
}

// FindStartsWith reports whether any entry has prefix as a path
// prefix (entry == prefix or entry starts with prefix + "/").
func (ml *MountList) FindStartsWith(prefix string) bool {
	for _, p := range ml.points {
		if p == prefix || strings.HasPrefix(p, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

// Points returns a copy of the current ordered entries.
func (ml *MountList) Points() []string {
	out := make([]string, len(ml.points))
	copy(out, ml.points)
	return out
}

// unmounter abstracts the raw unmount syscall so tests can substitute
// a fake.
type unmounter func(target string, flags int) error

func realUnmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

// Unmounter allows callers (and tests) to override the syscall used by
// UnmountTree/Unmount.
var Unmounter unmounter = realUnmount

// UnmountTree switches list to reverse sort, then for every entry
// starting with base (inclusive) calls umount2(entry,
// NOFOLLOW|DETACH), removing each from the list as it succeeds; it
// stops at the first failure and always restores the original sort
// order before returning.
func (ml *MountList) UnmountTree(base string) error {
	orig := ml.sort
	ml.SetSort(Reverse)
	defer ml.SetSort(orig)

	var toRemove []string
	for _, p := range ml.points {
		if p == base || strings.HasPrefix(p, strings.TrimSuffix(base, "/")+"/") {
			toRemove = append(toRemove, p)
		}
	}
	for _, p := range toRemove {
		if err := Unmounter(p, unix.MNT_DETACH|unix.UMOUNT_NOFOLLOW); err != nil {
			return errors.Wrapf(err, "unmounting %s", p)
		}
		ml.Remove(p)
		sylog.Debugf("unmounted %s", p)
	}
	return nil
}

// ValidateUnmounted re-parses mount state and returns true iff no
// entry equals (or, if subtree, starts with) path.
func ValidateUnmounted(path string, subtree bool) (bool, error) {
	ml, err := Parse()
	if err != nil {
		return false, err
	}
	if subtree {
		return !ml.FindStartsWith(path), nil
	}
	return !ml.Find(path), nil
}

// RetryInterval is the sleep between unmount-retry attempts; a package
// var so tests can shrink it.
var RetryInterval = 300 * time.Millisecond
