// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

package imagemeta

import (
	"os"
	"path/filepath"
	"testing"
)

func writeMeta(t *testing.T, dir, identifier, content string) {
	t.Helper()
	path := filepath.Join(dir, identifier+".meta")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestLoadParsesKnownKeys(t *testing.T) {
	dir := t.TempDir()
	writeMeta(t, dir, "alpine", ""+
		"FORMAT: squashfs\n"+
		"ENV: PATH=/usr/bin\n"+
		"ENV: HOME=/root\n"+
		"ENTRY: /bin/sh\n"+
		"WORKDIR: /app\n"+
		"VOLUME: /data\n",
	)

	md, err := Load(dir, "alpine")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if md.Format != SQUASHFS {
		t.Fatalf("Format = %v, want SQUASHFS", md.Format)
	}
	if len(md.Env) != 2 || md.Env[0] != "PATH=/usr/bin" || md.Env[1] != "HOME=/root" {
		t.Fatalf("Env = %v", md.Env)
	}
	if md.Entrypoint != "/bin/sh" {
		t.Fatalf("Entrypoint = %q", md.Entrypoint)
	}
	if md.Workdir != "/app" {
		t.Fatalf("Workdir = %q", md.Workdir)
	}
	if len(md.VolumeMounts) != 1 || md.VolumeMounts[0] != "/data" {
		t.Fatalf("VolumeMounts = %v", md.VolumeMounts)
	}
	if !md.UseLoopMount {
		t.Fatal("expected UseLoopMount for a squashfs image")
	}
}

func TestLoadVFSDoesNotUseLoopMount(t *testing.T) {
	dir := t.TempDir()
	writeMeta(t, dir, "scratch", "FORMAT: vfs\n")

	md, err := Load(dir, "scratch")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if md.UseLoopMount {
		t.Fatal("expected UseLoopMount to be false for a VFS image")
	}
}

func TestLoadIgnoresUnrecognizedKeys(t *testing.T) {
	dir := t.TempDir()
	writeMeta(t, dir, "img", "FORMAT: ext4\nBOGUS: whatever\n")

	md, err := Load(dir, "img")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if md.Format != EXT4 {
		t.Fatalf("Format = %v, want EXT4", md.Format)
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir, "nonexistent"); err == nil {
		t.Fatal("expected error for missing metadata file")
	}
}

func TestFormatString(t *testing.T) {
	cases := map[Format]string{
		VFS:      "VFS",
		EXT4:     "EXT4",
		SQUASHFS: "SQUASHFS",
		CRAMFS:   "CRAMFS",
		XFS:      "XFS",
		Invalid:  "INVALID",
	}
	for f, want := range cases {
		if got := f.String(); got != want {
			t.Errorf("Format(%d).String() = %q, want %q", f, got, want)
		}
	}
}
