// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

// Package orchestrator drives the top-level state machines for the
// two entry paths of the runtime: the interactive launcher, which
// always unshares its own mount namespace and ends by dropping
// privilege and exec'ing the user payload, and the prolog helper,
// which assembles the same container in the global mount namespace
// and then returns without ever touching the payload. Both paths share
// the loop mount, container staging, user mounts, saving the
// reuse-comparison config and the final read-only remount; tearing down
// a stale container happens only on the interactive path.
package orchestrator

import (
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/NERSC/shifter-sub000/internal/pkg/bindmount"
	"github.com/NERSC/shifter-sub000/internal/pkg/config"
	"github.com/NERSC/shifter-sub000/internal/pkg/configcompare"
	"github.com/NERSC/shifter-sub000/internal/pkg/envcompose"
	"github.com/NERSC/shifter-sub000/internal/pkg/files"
	"github.com/NERSC/shifter-sub000/internal/pkg/imagebind"
	"github.com/NERSC/shifter-sub000/internal/pkg/imagemeta"
	"github.com/NERSC/shifter-sub000/internal/pkg/loopmount"
	"github.com/NERSC/shifter-sub000/internal/pkg/mountlist"
	"github.com/NERSC/shifter-sub000/internal/pkg/privdrop"
	"github.com/NERSC/shifter-sub000/internal/pkg/sitestage"
	"github.com/NERSC/shifter-sub000/internal/pkg/sylog"
	"github.com/NERSC/shifter-sub000/internal/pkg/usermount"
	"github.com/NERSC/shifter-sub000/internal/pkg/volumemap"
)

// Request bundles everything an invocation needs beyond RuntimeConfig:
// per-job, CLI-derived values.
type Request struct {
	ImageType          string
	ImageIdentifier    string
	UserVolumeMap      string
	Entrypoint         string
	EntrypointOverride bool
	Workdir            string
	Args               []string
	NodeSpecString     string
}

// Job ties a RuntimeConfig to one Request and carries the mutable
// state threaded through the orchestrator's transitions.
type Job struct {
	Cfg *config.RuntimeConfig
	Req Request

	meta   *imagemeta.ImageMetadata
	ml     *mountlist.MountList
	userVM *volumemap.VolumeMap
	siteVM *volumemap.VolumeMap
}

// RunSetupRoot assembles a container in the global mount namespace and
// returns, leaving it ready for later unprivileged chroots. It never
// unshares a namespace and never execs anything.
func RunSetupRoot(j *Job) error {
	if err := j.loadMetadata(); err != nil {
		return err
	}
	if err := j.refreshMountList(); err != nil {
		return err
	}
	if err := j.loopMountImage(); err != nil {
		return err
	}
	if err := j.stageContainer(); err != nil {
		return err
	}
	if err := j.setupUserMounts(); err != nil {
		return err
	}
	if err := j.saveConfig(); err != nil {
		return err
	}
	if !j.Cfg.MountUDIRootWritable && !j.Cfg.AllowLocalChroot {
		if err := j.remountRO(); err != nil {
			return err
		}
	} else if j.Cfg.AllowLocalChroot {
		sylog.Verbosef("leaving container root writable: allow_local_chroot is set")
	}
	return nil
}

// RunShifter drives the interactive launch path: it unshares its own
// mount namespace (unless an existing container can be reused as-is),
// assembles the container, drops privilege, and execs the user
// payload. It only returns when setup failed; on success the process
// image has already been replaced.
func RunShifter(j *Job) error {
	// Ignored through setup; finishAndExec restores the defaults.
	signal.Ignore(unix.SIGHUP, unix.SIGINT, unix.SIGTERM)
	if err := j.loadMetadata(); err != nil {
		return err
	}

	if match, err := j.compareConfig(); err == nil && match {
		sylog.Verbosef("reusing existing container, skipping namespace setup")
		return j.finishAndExec()
	}

	if err := unshareMountNamespace(); err != nil {
		return errors.Wrap(err, "unsharing mount namespace")
	}
	if err := remountRootSlave(); err != nil {
		return errors.Wrap(err, "remounting / as slave")
	}
	if err := j.refreshMountList(); err != nil {
		return err
	}
	if err := j.destructOldUDI(); err != nil {
		return err
	}
	if err := j.validateUnmountedRetrying(); err != nil {
		return err
	}
	if err := j.loopMountImage(); err != nil {
		return err
	}
	if err := j.stageContainer(); err != nil {
		return err
	}
	if err := j.setupUserMounts(); err != nil {
		return err
	}
	if err := j.saveConfig(); err != nil {
		return err
	}
	if !j.Cfg.MountUDIRootWritable {
		if err := j.remountRO(); err != nil {
			return err
		}
	}

	return j.finishAndExec()
}

func (j *Job) loadMetadata() error {
	md, err := imagemeta.Load(j.Cfg.ImageBasePath, j.Req.ImageIdentifier)
	if err != nil {
		return errors.Wrap(err, "loading image metadata")
	}
	j.meta = md
	return nil
}

func (j *Job) refreshMountList() error {
	ml, err := mountlist.Parse()
	if err != nil {
		return errors.Wrap(err, "parsing mount table")
	}
	j.ml = ml
	return nil
}

func (j *Job) compareConfig() (bool, error) {
	vm, err := j.userVolumeMap()
	if err != nil {
		return false, err
	}
	return configcompare.Matches(j.Cfg.UDIMountPoint, j.Req.ImageIdentifier, j.Cfg.Username, vm)
}

func (j *Job) userVolumeMap() (*volumemap.VolumeMap, error) {
	if j.userVM != nil {
		return j.userVM, nil
	}
	vm, err := volumemap.Parse(j.Req.UserVolumeMap, false)
	if err != nil {
		return nil, errors.Wrap(err, "parsing user volume map")
	}
	j.userVM = vm
	return vm, nil
}

func unshareMountNamespace() error {
	return unix.Unshare(unix.CLONE_NEWNS)
}

func remountRootSlave() error {
	return unix.Mount("", "/", "", unix.MS_REC|unix.MS_SLAVE, "")
}

// destructOldUDI tears down any stale mounts beneath the container
// root left over from a previous, incompatible container.
func (j *Job) destructOldUDI() error {
	if !j.ml.FindStartsWith(j.Cfg.UDIMountPoint) {
		return nil
	}
	return j.ml.UnmountTree(j.Cfg.UDIMountPoint)
}

// validateUnmountedRetrying retries the unmounted check for a bounded
// window, since a just-issued lazy unmount may still be draining.
func (j *Job) validateUnmountedRetrying() error {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(mountlist.RetryInterval), 10)
	return backoff.Retry(func() error {
		ok, err := mountlist.ValidateUnmounted(j.Cfg.UDIMountPoint, true)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errors.Errorf("%s still mounted", j.Cfg.UDIMountPoint)
		}
		return nil
	}, b)
}

func (j *Job) loopMountImage() error {
	if !j.meta.UseLoopMount {
		return nil
	}
	if err := loopmount.Mount(loopmount.Options{
		MountHelper: j.Cfg.MountBin,
		ImagePath:   j.meta.Filename,
		MountPoint:  j.Cfg.LoopMountPoint,
		Format:      j.meta.Format,
		ReadOnly:    true,
	}); err != nil {
		return errors.Wrap(err, "loop mounting image")
	}
	j.ml.Insert(j.Cfg.LoopMountPoint)
	return nil
}

// stageContainer mounts a fresh rootfs at the container mount point,
// makes it private, runs the site stager, then bind-composes the
// image into it with two passes: the whole image in bind mode, then
// /etc again in copy mode so the site's own passwd/group/hosts
// substitutions are never shadowed by an image bind mount.
func (j *Job) stageContainer() error {
	if j.meta == nil {
		return errors.New("stageContainer called before loadMetadata")
	}

	if err := unix.Mount(j.Cfg.RootFSType, j.Cfg.UDIMountPoint, j.Cfg.RootFSType, 0, ""); err != nil {
		return errors.Wrap(err, "mounting fresh container rootfs")
	}
	j.ml.Insert(j.Cfg.UDIMountPoint)
	if err := unix.Mount("", j.Cfg.UDIMountPoint, "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return errors.Wrap(err, "making container root private")
	}

	recordAllowedDevices(j.Cfg)

	siteVM, err := j.Cfg.ParseSiteVolumeMap()
	if err != nil {
		return errors.Wrap(err, "parsing site volume map")
	}
	j.siteVM = siteVM

	nodes, err := sitestage.ParseNodeSpec(j.Req.NodeSpecString)
	if err != nil {
		return err
	}

	var lookup files.LookupFunc
	if j.Cfg.AllowLibcPwdCalls {
		lookup = files.LibcLookup
	} else {
		lookup = files.FlatFileLookup(filepath.Join(j.Cfg.SiteEtcOverrideDir, "udiImage.passwd"))
	}

	dev, err := deviceOfPath(j.Cfg.UDIMountPoint)
	if err != nil {
		return errors.Wrap(err, "statting container root device")
	}

	if err := sitestage.Prepare(sitestage.Options{
		ContainerRoot:          j.Cfg.UDIMountPoint,
		PreMountHook:           j.Cfg.SitePreMountHook,
		PostMountHook:          j.Cfg.SitePostMountHook,
		SiteVolumeMap:          siteVM,
		EtcOverrideDir:         j.Cfg.SiteEtcOverrideDir,
		UDIImageOverlay:        j.Cfg.SiteUDIImageOverlay,
		PopulateEtcDynamically: j.Cfg.PopulateEtcDynamically,
		Lookup:                 lookup,
		TargetUID:              j.Cfg.TargetUID,
		TargetGIDs:             append([]int{j.Cfg.TargetGID}, j.Cfg.AuxGIDs...),
		Username:               j.Cfg.Username,
		MaxGroupCount:          j.Cfg.MaxGroupCount,
		Nodes:                  nodes,
		CreateToDevice:         dev,
		DefaultPropagation:     propagationOf(j.Cfg),
	}, j.ml); err != nil {
		return errors.Wrap(err, "preparing site modifications")
	}

	imageRoot := j.Cfg.LoopMountPoint
	if j.meta.Format == imagemeta.VFS {
		imageRoot = j.meta.Filename
	}

	bindOpts := imagebind.Options{
		ImageRoot: imageRoot, ContainerRoot: j.Cfg.UDIMountPoint,
		Mounter: func(src, dst string) error {
			return bindmount.BindMount(j.ml, bindmount.Options{Source: src, Target: dst, OverwriteAllowed: true, DefaultPropagation: propagationOf(j.Cfg)})
		},
	}
	if err := imagebind.BindImageIntoUDI(bindOpts, j.ml); err != nil {
		return errors.Wrap(err, "binding image into container")
	}

	etcOpts := bindOpts
	etcOpts.Subtree = "etc"
	etcOpts.CopyMode = true
	if err := imagebind.BindImageIntoUDI(etcOpts, j.ml); err != nil {
		return errors.Wrap(err, "copying image /etc into container")
	}

	return nil
}

func propagationOf(cfg *config.RuntimeConfig) bindmount.Propagation {
	if cfg.MountPropagationStyle == config.PropagationPrivate {
		return bindmount.PropPrivate
	}
	return bindmount.PropSlave
}

func (j *Job) setupUserMounts() error {
	vm, err := j.userVolumeMap()
	if err != nil {
		return err
	}
	hostname, _ := os.Hostname()
	return usermount.Apply(vm, usermount.Options{
		ContainerRoot: j.Cfg.UDIMountPoint,
		Target: usermount.Identity{
			UID: j.Cfg.TargetUID, GID: j.Cfg.TargetGID, AuxGIDs: j.Cfg.AuxGIDs,
		},
		BindMountAllowedDevices: j.Cfg.BindMountAllowedDevices,
		CreateToDevice:          allowedCreateDevice(j.Cfg.UDIMountPoint),
		PerNodeCachePath:        j.Cfg.PerNodeCachePath,
		MountHelper:             j.Cfg.MountBin,
		MkfsXFSBin:              j.Cfg.MkfsXFSBin,
		DDBin:                   j.Cfg.DDBin,
		Hostname:                hostname,
		DefaultPropagation:      propagationOf(j.Cfg),
	}, j.ml)
}

// allowedCreateDevice returns the device number new user-mount
// destinations are permitted to be created on: the container root's
// own device, looked up deterministically rather than taken from an
// arbitrary member of cfg.BindMountAllowedDevices (map iteration order
// is unspecified in Go).
func allowedCreateDevice(containerRoot string) uint64 {
	dev, err := deviceOfPath(containerRoot)
	if err != nil {
		return 0
	}
	return dev
}

func (j *Job) saveConfig() error {
	vm, err := j.userVolumeMap()
	if err != nil {
		return err
	}
	return configcompare.Save(j.Cfg.UDIMountPoint, j.Req.ImageIdentifier, j.Cfg.Username, vm)
}

func (j *Job) remountRO() error {
	return unix.Mount("", j.Cfg.UDIMountPoint, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, "")
}

// recordAllowedDevices populates BindMountAllowedDevices once, right
// after the container root is mounted: the container root itself, the
// loop-mounted image, the image base path, and the host's /tmp.
func recordAllowedDevices(cfg *config.RuntimeConfig) {
	cfg.BindMountAllowedDevices = make(map[uint64]bool)
	for _, p := range []string{cfg.UDIMountPoint, cfg.LoopMountPoint, cfg.ImageBasePath, "/tmp"} {
		if dev, err := deviceOfPath(p); err == nil {
			cfg.BindMountAllowedDevices[dev] = true
		}
	}
}

func deviceOfPath(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Dev), nil
}

// finishAndExec chroots into the container, drops privilege down to
// the target identity, composes the final environment, and replaces
// the process image with the user's payload. Signals ignored by the
// parent during setup are restored to their defaults immediately
// before the exec so the payload inherits ordinary signal behavior.
func (j *Job) finishAndExec() error {
	if err := os.Chdir(j.Cfg.UDIMountPoint); err != nil {
		return errors.Wrap(err, "chdir to container root")
	}
	if err := unix.Chroot(j.Cfg.UDIMountPoint); err != nil {
		return errors.Wrap(err, "chroot")
	}
	if err := os.Chdir("/"); err != nil {
		return errors.Wrap(err, "chdir / after chroot")
	}

	if err := privdrop.DropBoundingSet(); err != nil {
		sylog.Fatalf("dropping capability bounding set: %v", err)
	}
	target := privdrop.Target{UID: j.Cfg.TargetUID, GID: j.Cfg.TargetGID, AuxGIDs: j.Cfg.AuxGIDs}
	if err := privdrop.Drop(target); err != nil {
		sylog.Fatalf("dropping privilege: %v", err)
	}
	if err := privdrop.Verify(target); err != nil {
		sylog.Fatalf("post-drop identity verification failed: %v", err)
	}

	workdir := j.Req.Workdir
	if workdir == "" {
		workdir = j.meta.Workdir
	}
	if workdir != "" {
		if err := os.Chdir(workdir); err != nil {
			return errors.Wrapf(err, "chdir to workdir %s", workdir)
		}
	}

	env := envcompose.Compose(os.Environ(), j.meta.Env, envcompose.Layers{
		SiteSet: j.Cfg.SiteEnv.Set, SiteAppend: j.Cfg.SiteEnv.Append,
		SitePrepend: j.Cfg.SiteEnv.Prepend, SiteUnset: j.Cfg.SiteEnv.Unset,
	})
	if k, v, ok := envcompose.PropagatePath(env); ok {
		os.Setenv(k, v)
	}

	args := calculateArgs(j)
	signal.Reset()

	binary, err := exec.LookPath(args[0])
	if err != nil {
		os.Exit(127)
	}
	if err := unix.Exec(binary, args, env); err != nil {
		os.Exit(127)
	}
	return nil
}

// calculateArgs resolves the entrypoint: with the entrypoint option
// set, the given entrypoint (or the image's own when none was given)
// is prepended to the arguments; otherwise explicit arguments win,
// falling back to the image's own entrypoint when no arguments were
// given at all, and finally to an interactive shell.
func calculateArgs(j *Job) []string {
	if j.Req.EntrypointOverride {
		ep := j.Req.Entrypoint
		if ep == "" {
			ep = j.meta.Entrypoint
		}
		if ep != "" {
			return append([]string{ep}, j.Req.Args...)
		}
	}
	if len(j.Req.Args) > 0 {
		return j.Req.Args
	}
	if j.meta.Entrypoint != "" {
		return []string{j.meta.Entrypoint}
	}
	return []string{"/bin/sh"}
}
