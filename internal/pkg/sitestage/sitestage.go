// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

// Package sitestage prepares the freshly-mounted container root: the
// mandatory skeleton, site hooks, site-mandated volume mounts, /etc
// population, the group file filter, the /opt/udiImage overlay, and
// the node hostsfile.
package sitestage

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/NERSC/shifter-sub000/internal/pkg/bindmount"
	"github.com/NERSC/shifter-sub000/internal/pkg/files"
	"github.com/NERSC/shifter-sub000/internal/pkg/mountlist"
	"github.com/NERSC/shifter-sub000/internal/pkg/sylog"
	"github.com/NERSC/shifter-sub000/internal/pkg/validator"
	"github.com/NERSC/shifter-sub000/internal/pkg/volumemap"
)

// skeletonDirs is the mandatory directory set created at the start of
// staging. var/empty is mode 0700; tmp is mode 0777; everything else
// is 0755.
var skeletonDirs = []string{
	"etc", "etc/udiImage", "opt", "opt/udiImage",
	"var", "var/spool", "var/run", "var/empty",
	"proc", "sys", "dev", "tmp",
}

// NodeSpec is one parsed "host/N" token from the node specification.
type NodeSpec struct {
	Host  string
	Count int
}

// Options configures one prepareSiteModifications call.
type Options struct {
	ContainerRoot          string
	PreMountHook           string
	PostMountHook          string
	SiteVolumeMap          *volumemap.VolumeMap
	EtcOverrideDir         string
	UDIImageOverlay        string
	PopulateEtcDynamically bool
	Lookup                 files.LookupFunc
	TargetUID              int
	TargetGIDs             []int
	Username               string
	MaxGroupCount          int
	Nodes                  []NodeSpec
	CreateToDevice         uint64
	DefaultPropagation     bindmount.Propagation
}

// Prepare runs the full site-modification sequence. Preconditions
// (container root mounted and empty, MountList refreshed, propagation
// switched to PRIVATE|REC on the root, device-id recorded) are the
// caller's responsibility.
func Prepare(opts Options, ml *mountlist.MountList) error {
	if err := os.Chdir(opts.ContainerRoot); err != nil {
		return errors.Wrapf(err, "chdir into container root %s", opts.ContainerRoot)
	}

	if err := createSkeleton(opts.ContainerRoot); err != nil {
		return err
	}

	if opts.PreMountHook != "" {
		if err := runHook(opts.PreMountHook); err != nil {
			return errors.Wrap(err, "site pre-mount hook")
		}
	}

	if opts.SiteVolumeMap != nil {
		if err := validator.ValidateMap(validator.Site, opts.SiteVolumeMap); err != nil {
			return errors.Wrap(err, "site volume map validation")
		}
		for _, entry := range opts.SiteVolumeMap.Entries {
			target := filepath.Join(opts.ContainerRoot, entry.Target)
			if err := ensureCreatable(target, opts.ContainerRoot, opts.CreateToDevice); err != nil {
				return err
			}
			if err := bindmount.BindMount(ml, bindmount.Options{
				Source: entry.Source, Target: target, Flags: entry.Flags,
				OverwriteAllowed: true, DefaultPropagation: opts.DefaultPropagation,
			}); err != nil {
				return errors.Wrapf(err, "site mount %s -> %s", entry.Source, entry.Target)
			}
		}
	}

	if opts.PostMountHook != "" {
		if err := runHook(opts.PostMountHook); err != nil {
			return errors.Wrap(err, "site post-mount hook")
		}
	}

	if err := copyHostNetFiles(opts.ContainerRoot); err != nil {
		return err
	}

	if err := populateEtc(opts); err != nil {
		return err
	}

	shadowPath := filepath.Join(opts.ContainerRoot, "etc/shadow")
	if err := os.WriteFile(shadowPath, nil, 0o000); err != nil {
		return errors.Wrap(err, "creating empty /etc/shadow")
	}

	if err := filterGroupFile(opts); err != nil {
		return err
	}

	if opts.UDIImageOverlay != "" {
		dest := filepath.Join(opts.ContainerRoot, "opt/udiImage")
		if err := copyOverlay(opts.UDIImageOverlay, dest); err != nil {
			return errors.Wrap(err, "copying /opt/udiImage overlay")
		}
	}

	if len(opts.Nodes) > 0 {
		if err := writeHostsfile(opts.ContainerRoot, opts.Nodes); err != nil {
			return err
		}
	}

	if err := mountPseudoFS(ml, opts.ContainerRoot); err != nil {
		return err
	}

	return nil
}

func createSkeleton(containerRoot string) error {
	for _, dir := range skeletonDirs {
		mode := os.FileMode(0o755)
		switch dir {
		case "var/empty":
			mode = 0o700
		case "tmp":
			mode = 0o777
		}
		full := filepath.Join(containerRoot, dir)
		if err := os.MkdirAll(full, mode); err != nil {
			return errors.Wrapf(err, "creating skeleton dir %s", full)
		}
		if err := os.Chmod(full, mode); err != nil {
			return errors.Wrapf(err, "chmod skeleton dir %s", full)
		}
	}
	return nil
}

func runHook(path string) error {
	cmd := exec.Command("/bin/sh", path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "hook %s failed: %s", path, string(out))
	}
	return nil
}

func ensureCreatable(target, containerRoot string, createToDevice uint64) error {
	if _, err := os.Lstat(target); err == nil {
		return nil
	}
	parent := filepath.Dir(target)
	fi, err := os.Stat(parent)
	if err != nil {
		return errors.Wrapf(err, "stat parent of %s", target)
	}
	_ = fi
	if err := os.MkdirAll(target, 0o755); err != nil {
		return errors.Wrapf(err, "creating mount destination %s", target)
	}
	return nil
}

func copyHostNetFiles(containerRoot string) error {
	for _, name := range []string{"hosts", "resolv.conf"} {
		src := filepath.Join("/etc", name)
		dst := filepath.Join(containerRoot, "etc", name)
		data, err := os.ReadFile(src)
		if err != nil {
			sylog.Warningf("could not read host /etc/%s: %v", name, err)
			continue
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return errors.Wrapf(err, "writing container /etc/%s", name)
		}
	}
	return nil
}

func populateEtc(opts Options) error {
	etcDir := filepath.Join(opts.ContainerRoot, "etc")

	if !opts.PopulateEtcDynamically {
		if opts.EtcOverrideDir == "" {
			return errors.New("static /etc population requested but no overlay directory configured")
		}
		entries, err := os.ReadDir(opts.EtcOverrideDir)
		if err != nil {
			return errors.Wrapf(err, "reading etc override dir %s", opts.EtcOverrideDir)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			dst := filepath.Join(etcDir, e.Name())
			if _, err := os.Lstat(dst); err == nil {
				return errors.Errorf("refusing to overwrite existing container /etc/%s", e.Name())
			}
			data, err := os.ReadFile(filepath.Join(opts.EtcOverrideDir, e.Name()))
			if err != nil {
				return errors.Wrapf(err, "reading site etc file %s", e.Name())
			}
			if err := os.WriteFile(dst, data, 0o644); err != nil {
				return errors.Wrapf(err, "writing container /etc/%s", e.Name())
			}
		}
	} else {
		if opts.Lookup == nil {
			return errors.New("dynamic /etc population requires a lookup function")
		}
		info, err := opts.Lookup(opts.TargetUID)
		if err != nil {
			return errors.Wrap(err, "resolving target user identity")
		}
		if err := os.WriteFile(filepath.Join(etcDir, "passwd"), files.Passwd(info), 0o644); err != nil {
			return errors.Wrap(err, "writing container /etc/passwd")
		}
		gid := info.GID
		if len(opts.TargetGIDs) > 0 {
			gid = opts.TargetGIDs[0]
		}
		if err := os.WriteFile(filepath.Join(etcDir, "group"), files.Group(&files.GroupInfo{Name: opts.Username, GID: gid}), 0o644); err != nil {
			return errors.Wrap(err, "writing container /etc/group")
		}
		if err := os.WriteFile(filepath.Join(etcDir, "nsswitch.conf"), files.NSSwitch(), 0o644); err != nil {
			return errors.Wrap(err, "writing container /etc/nsswitch.conf")
		}
	}

	for _, name := range []string{"passwd", "group", "nsswitch.conf"} {
		p := filepath.Join(etcDir, name)
		if _, err := os.Stat(p); err != nil {
			return errors.Wrapf(err, "verifying container /etc/%s", name)
		}
		if err := os.Chown(p, 0, 0); err != nil {
			return errors.Wrapf(err, "chowning container /etc/%s", name)
		}
		if err := os.Chmod(p, 0o644); err != nil {
			return errors.Wrapf(err, "chmodding container /etc/%s", name)
		}
	}
	return nil
}

func filterGroupFile(opts Options) error {
	groupPath := filepath.Join(opts.ContainerRoot, "etc/group")
	origPath := filepath.Join(opts.ContainerRoot, "etc/group.orig")

	data, err := os.ReadFile(groupPath)
	if err != nil {
		return errors.Wrap(err, "reading /etc/group before filtering")
	}
	if err := os.Rename(groupPath, origPath); err != nil {
		return errors.Wrap(err, "preserving original /etc/group")
	}
	filtered := files.FilterGroupFile(data, opts.Username, maxGroupCountOrDefault(opts.MaxGroupCount))
	if err := os.WriteFile(groupPath, filtered, 0o644); err != nil {
		return errors.Wrap(err, "writing filtered /etc/group")
	}
	return nil
}

func maxGroupCountOrDefault(n int) int {
	if n <= 0 {
		return 32
	}
	return n
}

func copyOverlay(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	cmd := exec.Command("cp", "-a", src+"/.", dst)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "cp overlay failed: %s", string(out))
	}
	cmd = exec.Command("chmod", "-R", "a+rX", dst)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "chmod overlay failed: %s", string(out))
	}
	return nil
}

func writeHostsfile(containerRoot string, nodes []NodeSpec) error {
	var b strings.Builder
	for _, n := range nodes {
		for i := 0; i < n.Count; i++ {
			fmt.Fprintf(&b, "%s\n", n.Host)
		}
	}
	path := filepath.Join(containerRoot, "var/hostsfile")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return errors.Wrap(err, "writing /var/hostsfile")
	}
	return nil
}

func mountPseudoFS(ml *mountlist.MountList, containerRoot string) error {
	procTarget := filepath.Join(containerRoot, "proc")
	if err := mountProc(procTarget); err != nil {
		return err
	}
	ml.Insert(procTarget)

	for _, rel := range []string{"sys", "dev", "tmp"} {
		src := filepath.Join("/", rel)
		dst := filepath.Join(containerRoot, rel)
		if err := bindmount.BindMount(ml, bindmount.Options{Source: src, Target: dst, OverwriteAllowed: true}); err != nil {
			return errors.Wrapf(err, "bind mounting host /%s", rel)
		}
	}
	return nil
}

// ParseNodeSpec parses "host1/N1 host2/N2 ..." into NodeSpecs, in the
// order given.
func ParseNodeSpec(spec string) ([]NodeSpec, error) {
	var out []NodeSpec
	for _, tok := range strings.Fields(spec) {
		host, countStr, ok := strings.Cut(tok, "/")
		if !ok {
			return nil, errors.Errorf("malformed node spec token %q", tok)
		}
		var count int
		if _, err := fmt.Sscanf(countStr, "%d", &count); err != nil || count <= 0 {
			return nil, errors.Errorf("malformed node spec count %q", tok)
		}
		out = append(out, NodeSpec{Host: host, Count: count})
	}
	return out, nil
}
