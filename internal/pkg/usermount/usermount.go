// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

// Package usermount applies user-requested volume mounts after the
// container root is composed: sources are realpath/stat'd as the
// target user, destinations are authorized against the allowed device
// set, and per-node caches are allocated on demand.
package usermount

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/NERSC/shifter-sub000/internal/pkg/bindmount"
	"github.com/NERSC/shifter-sub000/internal/pkg/filter"
	"github.com/NERSC/shifter-sub000/internal/pkg/imagemeta"
	"github.com/NERSC/shifter-sub000/internal/pkg/loopmount"
	"github.com/NERSC/shifter-sub000/internal/pkg/mountlist"
	"github.com/NERSC/shifter-sub000/internal/pkg/sylog"
	"github.com/NERSC/shifter-sub000/internal/pkg/validator"
	"github.com/NERSC/shifter-sub000/internal/pkg/volumemap"
)

// Identity is the target user's identity, used to temporarily assume
// their privilege for the source realpath/stat check.
type Identity struct {
	UID     int
	GID     int
	AuxGIDs []int
}

// Options configures one Apply call over a user VolumeMap.
type Options struct {
	ContainerRoot           string
	Target                  Identity
	BindMountAllowedDevices map[uint64]bool
	CreateToDevice          uint64
	PerNodeCachePath        string
	MountHelper             string
	MkfsXFSBin              string
	DDBin                   string
	Hostname                string
	DefaultPropagation      bindmount.Propagation
}

// Apply applies every entry of vm in order.
func Apply(vm *volumemap.VolumeMap, opts Options, ml *mountlist.MountList) error {
	for i := range vm.Entries {
		if err := applyOne(&vm.Entries[i], opts, ml); err != nil {
			return errors.Wrapf(err, "user mount %d (%s:%s)", i, vm.Entries[i].Source, vm.Entries[i].Target)
		}
	}
	return nil
}

func applyOne(entry *volumemap.VolumeMapEntry, opts Options, ml *mountlist.MountList) error {
	source := filter.Filter(entry.Source, true)
	target := filter.Filter(entry.Target, true)

	fromBuffer := filepath.Join(opts.ContainerRoot, source)
	toBuffer := filepath.Join(opts.ContainerRoot, target)

	isCache := entry.HasFlag(volumemap.PerNodeCache)
	var backingFile string
	var cleanupBacking = func() {}

	if isCache {
		cache := entry.CacheConfig()
		path, err := createCacheBackingFile(opts, cache)
		if err != nil {
			return err
		}
		backingFile = path
		cleanupBacking = func() { _ = os.Remove(backingFile) }
	} else {
		if err := checkSourceAsUser(fromBuffer, opts.Target); err != nil {
			return err
		}
	}

	resolvedTarget, err := filepath.EvalSymlinks(toBuffer)
	if err != nil {
		// Target may not exist yet; fall back to its parent's real
		// path joined with the leaf name.
		parent, err2 := filepath.EvalSymlinks(filepath.Dir(toBuffer))
		if err2 != nil {
			cleanupBacking()
			return errors.Wrapf(err, "resolving target %s", toBuffer)
		}
		resolvedTarget = filepath.Join(parent, filepath.Base(toBuffer))
	}

	if !withinRoot(resolvedTarget, opts.ContainerRoot) {
		cleanupBacking()
		return errors.Errorf("target %s resolves outside container root", target)
	}
	if !isCache {
		resolvedSource, err := filepath.EvalSymlinks(fromBuffer)
		if err != nil {
			cleanupBacking()
			return errors.Wrapf(err, "resolving source %s", fromBuffer)
		}
		if !withinRoot(resolvedSource, opts.ContainerRoot) {
			cleanupBacking()
			return errors.Errorf("user mount source %s must lie within the container root", source)
		}
	}

	relEntry := volumemap.VolumeMapEntry{Source: relativeTo(fromBuffer, opts.ContainerRoot), Target: relativeTo(toBuffer, opts.ContainerRoot), Flags: entry.Flags}
	if err := validator.Validate(validator.User, &relEntry); err != nil {
		cleanupBacking()
		return err
	}

	if _, err := os.Lstat(resolvedTarget); err != nil {
		if opts.CreateToDevice == 0 {
			cleanupBacking()
			return errors.Errorf("target %s does not exist and no create-to-device is configured", resolvedTarget)
		}
		parentDev, derr := deviceOf(filepath.Dir(resolvedTarget))
		if derr != nil || parentDev != opts.CreateToDevice {
			cleanupBacking()
			return errors.Errorf("target %s parent is not on the authorized create device", resolvedTarget)
		}
		if err := os.MkdirAll(resolvedTarget, 0o755); err != nil {
			cleanupBacking()
			return errors.Wrapf(err, "creating target %s", resolvedTarget)
		}
	}

	dev, err := deviceOf(resolvedTarget)
	if err != nil {
		cleanupBacking()
		return errors.Wrapf(err, "stat target %s", resolvedTarget)
	}
	if !opts.BindMountAllowedDevices[dev] {
		cleanupBacking()
		return errors.Errorf("target %s device is not in bindMountAllowedDevices", resolvedTarget)
	}

	if isCache {
		cache := entry.CacheConfig()
		if err := loopmount.Mount(loopmount.Options{
			MountHelper: opts.MountHelper, ImagePath: backingFile, MountPoint: resolvedTarget,
			Format: formatFor(cache.FSType), ReadOnly: false,
		}); err != nil {
			cleanupBacking()
			return errors.Wrap(err, "loop mounting per-node cache")
		}
		ml.Insert(resolvedTarget)
		if err := os.Chown(resolvedTarget, opts.Target.UID, opts.Target.GID); err != nil {
			cleanupBacking()
			return errors.Wrap(err, "chowning per-node cache mount point")
		}
		cleanupBacking()
		return nil
	}

	resolvedSource, _ := filepath.EvalSymlinks(fromBuffer)
	if err := bindmount.BindMount(ml, bindmount.Options{
		Source: resolvedSource, Target: resolvedTarget, Flags: entry.Flags,
		OverwriteAllowed: true, DefaultPropagation: opts.DefaultPropagation,
	}); err != nil {
		return errors.Wrap(err, "bind mounting user volume")
	}
	return nil
}

// checkSourceAsUser temporarily assumes the target user's identity
// (saving and restoring the caller's own in exact reverse order), then
// realpaths and lstats source, rejecting anything that is not a
// directory.
func checkSourceAsUser(source string, target Identity) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	savedEUID := os.Geteuid()
	savedEGID := os.Getegid()
	savedGroups, err := unix.Getgroups()
	if err != nil {
		return errors.Wrap(err, "saving supplementary groups")
	}

	if err := unix.Setgroups(target.AuxGIDs); err != nil {
		return errors.Wrap(err, "assuming target supplementary groups")
	}
	if err := unix.Setegid(target.GID); err != nil {
		restoreIdentity(savedEUID, savedEGID, savedGroups)
		return errors.Wrap(err, "assuming target gid")
	}
	if err := unix.Seteuid(target.UID); err != nil {
		restoreIdentity(savedEUID, savedEGID, savedGroups)
		return errors.Wrap(err, "assuming target uid")
	}

	resolved, statErr := func() (string, error) {
		r, err := filepath.EvalSymlinks(source)
		if err != nil {
			return "", err
		}
		fi, err := os.Lstat(r)
		if err != nil {
			return "", err
		}
		if !fi.IsDir() {
			return "", errors.Errorf("source %s is not a directory", source)
		}
		return r, nil
	}()

	restoreIdentity(savedEUID, savedEGID, savedGroups)

	if statErr != nil {
		return errors.Wrap(statErr, "checking user mount source")
	}
	_ = resolved
	return nil
}

func restoreIdentity(euid, egid int, groups []int) {
	_ = unix.Seteuid(euid)
	_ = unix.Setegid(egid)
	_ = unix.Setgroups(groups)
}

func withinRoot(path, root string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	return path == root || strings.HasPrefix(path, root+"/")
}

func relativeTo(path, root string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return "/" + rel
}

func deviceOf(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Dev), nil
}

func formatFor(fstype string) imagemeta.Format {
	switch strings.ToLower(fstype) {
	case "xfs":
		return imagemeta.XFS
	default:
		return imagemeta.XFS
	}
}

// createCacheBackingFile creates a uniquely-named, mode-0600 backing
// file under PerNodeCachePath, allocates its size via dd, and formats
// it with mkfs.xfs if the cache fstype is xfs. The uuid suffix
// supplements the O_EXCL-guaranteed uniqueness of the temp-file name
// with a second, independent uniqueness source so concurrent jobs on
// a shared cache directory can never collide even if a caller retries
// after a transient failure.
func createCacheBackingFile(opts Options, cache *volumemap.PerNodeCacheConfig) (string, error) {
	name := fmt.Sprintf("perNodeCache_uid%d_gid%d_%s.%s.%s",
		opts.Target.UID, opts.Target.GID, opts.Hostname, cache.FSType, uuid.NewString())
	path := filepath.Join(opts.PerNodeCachePath, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return "", errors.Wrapf(err, "creating per-node cache backing file %s", path)
	}
	f.Close()

	ddCmd := exec.Command(opts.DDBin, "if=/dev/zero", "of="+path, "bs=1", "count=0",
		"seek="+strconv.FormatInt(cache.CacheSize, 10))
	if out, err := ddCmd.CombinedOutput(); err != nil {
		os.Remove(path)
		return "", errors.Wrapf(err, "allocating cache backing file: %s", string(out))
	}

	if strings.EqualFold(cache.FSType, "xfs") {
		mkfsCmd := exec.Command(opts.MkfsXFSBin, path)
		if out, err := mkfsCmd.CombinedOutput(); err != nil {
			os.Remove(path)
			return "", errors.Wrapf(err, "formatting cache backing file: %s", string(out))
		}
	}

	sylog.Debugf("allocated per-node cache backing file %s (%d bytes)", path, cache.CacheSize)
	return path, nil
}
