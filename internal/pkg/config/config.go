// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

// Package config defines RuntimeConfig, the single populated record
// the core consumes; the core itself never parses a site
// configuration file's text grammar. The TOML loader in this package
// belongs to the ambient CLI layer, not the core, and exists only to
// produce a RuntimeConfig for cmd/.
package config

import (
	"os"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/NERSC/shifter-sub000/internal/pkg/volumemap"
)

// PropagationStyle selects the default mount propagation the
// BindMounter applies absent a per-entry SLAVE/PRIVATE override.
type PropagationStyle int

const (
	PropagationSlave PropagationStyle = iota
	PropagationPrivate
)

// SiteEnvLayers groups the four environment layering lists applied
// during final environment composition.
type SiteEnvLayers struct {
	Set     []string
	Append  []string
	Prepend []string
	Unset   []string
}

// RuntimeConfig holds the long-lived, site-populated attributes plus
// the runtime-only, per-invocation attributes a job needs.
type RuntimeConfig struct {
	// Long-lived, site-populated.
	UDIMountPoint          string
	LoopMountPoint         string
	ImageBasePath          string
	RootFSType             string
	CPBin                  string
	MVBin                  string
	ChmodBin               string
	DDBin                  string
	MkfsXFSBin             string
	MountBin               string
	SiteEtcOverrideDir     string
	SiteUDIImageOverlay    string
	SiteVolumeMap          string
	SiteEnv                SiteEnvLayers
	MaxGroupCount          int
	MountPropagationStyle  PropagationStyle
	PerNodeCachePath       string
	PerNodeCacheSizeLimit  int64
	AllowLocalChroot       bool
	AllowLibcPwdCalls      bool
	PopulateEtcDynamically bool
	GatewayTimeoutSeconds  int
	MountUDIRootWritable   bool
	DefaultImageType       string
	SitePreMountHook       string
	SitePostMountHook      string

	// Runtime-only, per-invocation.
	TargetUID      int
	TargetGID      int
	AuxGIDs        []int
	Username       string
	JobIdentifier  string
	NodeIdentifier string
	SSHPubKey      string

	// Populated exactly once, immediately after the container root is
	// mounted; read-only thereafter.
	BindMountAllowedDevices map[uint64]bool
}

// fileConfig mirrors the TOML schema of the site configuration file.
// It is a separate struct from RuntimeConfig, and the file's key names
// come from its toml tags rather than from RuntimeConfig's field names,
// so that changes to one do not silently break the other.
type fileConfig struct {
	UDIMountPoint          string   `toml:"udi_mount_point"`
	LoopMountPoint         string   `toml:"loop_mount_point"`
	ImageBasePath          string   `toml:"image_base_path"`
	RootFSType             string   `toml:"rootfs_type"`
	CPBin                  string   `toml:"cp_path"`
	MVBin                  string   `toml:"mv_path"`
	ChmodBin               string   `toml:"chmod_path"`
	DDBin                  string   `toml:"dd_path"`
	MkfsXFSBin             string   `toml:"mkfsxfs_path"`
	MountBin               string   `toml:"mount_path"`
	SiteEtcOverrideDir     string   `toml:"etc_source"`
	SiteUDIImageOverlay    string   `toml:"udiimage_overlay"`
	SiteVolumeMap          string   `toml:"site_resources"`
	SiteEnvSet             []string `toml:"site_env"`
	SiteEnvAppend          []string `toml:"site_env_append"`
	SiteEnvPrepend         []string `toml:"site_env_prepend"`
	SiteEnvUnset           []string `toml:"site_env_unset"`
	MaxGroupCount          int      `toml:"max_group_count"`
	MountPropagation       string   `toml:"mount_propagation"`
	PerNodeCachePath       string   `toml:"per_node_cache_path"`
	PerNodeCacheSizeLimit  int64    `toml:"per_node_cache_size_limit"`
	AllowLocalChroot       bool     `toml:"allow_local_chroot"`
	AllowLibcPwdCalls      bool     `toml:"allow_libc_pwd_calls"`
	PopulateEtcDynamically bool     `toml:"populate_etc_dynamically"`
	GatewayTimeoutSeconds  int      `toml:"gateway_timeout_seconds"`
	MountUDIRootWritable   bool     `toml:"mount_udi_root_writable"`
	DefaultImageType       string   `toml:"default_image_type"`
	SitePreMountHook       string   `toml:"site_pre_mount_hook"`
	SitePostMountHook      string   `toml:"site_post_mount_hook"`
}

// Load reads a TOML site configuration from path and returns a
// RuntimeConfig populated from it, with the runtime-only fields left
// zero-valued for the caller to fill in from CLI arguments.
func Load(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}
	if err := checkConfigPermissions(path); err != nil {
		return nil, err
	}

	var fc fileConfig
	if _, err := toml.Decode(string(data), &fc); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}

	rc := &RuntimeConfig{
		UDIMountPoint:       fc.UDIMountPoint,
		LoopMountPoint:      fc.LoopMountPoint,
		ImageBasePath:       fc.ImageBasePath,
		RootFSType:          fc.RootFSType,
		CPBin:               fc.CPBin,
		MVBin:               fc.MVBin,
		ChmodBin:            fc.ChmodBin,
		DDBin:               fc.DDBin,
		MkfsXFSBin:          fc.MkfsXFSBin,
		MountBin:            fc.MountBin,
		SiteEtcOverrideDir:  fc.SiteEtcOverrideDir,
		SiteUDIImageOverlay: fc.SiteUDIImageOverlay,
		SiteVolumeMap:       fc.SiteVolumeMap,
		SiteEnv: SiteEnvLayers{
			Set:     fc.SiteEnvSet,
			Append:  fc.SiteEnvAppend,
			Prepend: fc.SiteEnvPrepend,
			Unset:   fc.SiteEnvUnset,
		},
		MaxGroupCount:          fc.MaxGroupCount,
		PerNodeCachePath:       fc.PerNodeCachePath,
		PerNodeCacheSizeLimit:  fc.PerNodeCacheSizeLimit,
		AllowLocalChroot:       fc.AllowLocalChroot,
		AllowLibcPwdCalls:      fc.AllowLibcPwdCalls,
		PopulateEtcDynamically: fc.PopulateEtcDynamically,
		GatewayTimeoutSeconds:  fc.GatewayTimeoutSeconds,
		MountUDIRootWritable:   fc.MountUDIRootWritable,
		DefaultImageType:       fc.DefaultImageType,
		SitePreMountHook:       fc.SitePreMountHook,
		SitePostMountHook:      fc.SitePostMountHook,
	}
	if fc.MountPropagation == "private" {
		rc.MountPropagationStyle = PropagationPrivate
	} else {
		rc.MountPropagationStyle = PropagationSlave
	}
	if rc.MaxGroupCount == 0 {
		rc.MaxGroupCount = 32
	}
	return rc, nil
}

// requiredConfigOwner is the uid a config file must be owned by; a
// package var so tests can substitute the test process's own uid
// instead of needing a root-owned fixture.
var requiredConfigOwner = 0

// checkConfigPermissions rejects a configuration file that is not
// root-owned or is group/world writable.
func checkConfigPermissions(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, "stat config file")
	}
	if fi.Mode().Perm()&0o022 != 0 {
		return errors.Errorf("config file %s must not be group- or world-writable", path)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return errors.Errorf("config file %s: cannot determine owner", path)
	}
	if int(st.Uid) != requiredConfigOwner {
		return errors.Errorf("config file %s must be owned by uid %d", path, requiredConfigOwner)
	}
	return nil
}

// ParseSiteVolumeMap parses the configured site volume map string
// into a VolumeMap, filling target=source for bare-source entries.
func (rc *RuntimeConfig) ParseSiteVolumeMap() (*volumemap.VolumeMap, error) {
	return volumemap.Parse(rc.SiteVolumeMap, true)
}
