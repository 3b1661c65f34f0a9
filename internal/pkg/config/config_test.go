// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

// withOwnConfigOwner makes checkConfigPermissions accept files owned
// by the test process itself, since fixtures here cannot be
// root-owned without the test running as root.
func withOwnConfigOwner(t *testing.T) {
	t.Helper()
	orig := requiredConfigOwner
	requiredConfigOwner = os.Getuid()
	t.Cleanup(func() { requiredConfigOwner = orig })
}

const sampleTOML = `
udi_mount_point = "/var/udiMount"
loop_mount_point = "/var/udiLoopMount"
image_base_path = "/images"
rootfs_type = "ext4"
site_resources = "/var/spool/slurmd:/var/spool/slurmd"
site_env = ["SHIFTER_RUNTIME=1"]
site_env_append = ["PATH=/opt/site/bin"]
mount_propagation = "private"
`

func writeConfig(t *testing.T, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "udiRoot.toml")
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	// WriteFile's mode is filtered by the umask; set it exactly.
	if err := os.Chmod(path, mode); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	return path
}

func TestLoadParsesFields(t *testing.T) {
	withOwnConfigOwner(t)
	path := writeConfig(t, sampleTOML, 0o600)
	rc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rc.UDIMountPoint != "/var/udiMount" {
		t.Fatalf("UDIMountPoint = %q", rc.UDIMountPoint)
	}
	if rc.RootFSType != "ext4" {
		t.Fatalf("RootFSType = %q", rc.RootFSType)
	}
	if rc.MountPropagationStyle != PropagationPrivate {
		t.Fatalf("MountPropagationStyle = %v, want PropagationPrivate", rc.MountPropagationStyle)
	}
	if len(rc.SiteEnv.Set) != 1 || rc.SiteEnv.Set[0] != "SHIFTER_RUNTIME=1" {
		t.Fatalf("SiteEnv.Set = %v", rc.SiteEnv.Set)
	}
	if len(rc.SiteEnv.Append) != 1 || rc.SiteEnv.Append[0] != "PATH=/opt/site/bin" {
		t.Fatalf("SiteEnv.Append = %v", rc.SiteEnv.Append)
	}
}

func TestLoadDefaultsMaxGroupCount(t *testing.T) {
	withOwnConfigOwner(t)
	path := writeConfig(t, sampleTOML, 0o600)
	rc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rc.MaxGroupCount != 32 {
		t.Fatalf("MaxGroupCount = %d, want default 32", rc.MaxGroupCount)
	}
}

func TestLoadDefaultsMountPropagationToSlave(t *testing.T) {
	withOwnConfigOwner(t)
	path := writeConfig(t, `udi_mount_point = "/var/udiMount"`, 0o600)
	rc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rc.MountPropagationStyle != PropagationSlave {
		t.Fatalf("MountPropagationStyle = %v, want PropagationSlave", rc.MountPropagationStyle)
	}
}

func TestLoadRejectsWorldWritableConfig(t *testing.T) {
	path := writeConfig(t, sampleTOML, 0o646)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject a world-writable config file")
	}
}

func TestLoadRejectsGroupWritableConfig(t *testing.T) {
	path := writeConfig(t, sampleTOML, 0o620)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject a group-writable config file")
	}
}

func TestLoadRejectsConfigNotOwnedByRequiredUID(t *testing.T) {
	path := writeConfig(t, sampleTOML, 0o600)
	orig := requiredConfigOwner
	requiredConfigOwner = os.Getuid() + 1
	t.Cleanup(func() { requiredConfigOwner = orig })
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject a config file not owned by the required uid")
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for a missing config file")
	}
}

func TestParseSiteVolumeMapFillsTargetFromSource(t *testing.T) {
	rc := &RuntimeConfig{SiteVolumeMap: "/var/spool/slurmd"}
	vm, err := rc.ParseSiteVolumeMap()
	if err != nil {
		t.Fatalf("ParseSiteVolumeMap: %v", err)
	}
	if vm.N() != 1 || vm.Entries[0].Target != "/var/spool/slurmd" {
		t.Fatalf("entries = %+v", vm.Entries)
	}
}
