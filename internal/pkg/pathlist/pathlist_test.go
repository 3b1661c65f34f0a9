// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

package pathlist

import "testing"

func findComponent(pl *PathList, name string) int {
	cur := pl.head
	for cur != noIndex {
		if pl.arena[cur].name == name {
			return cur
		}
		cur = pl.arena[cur].child
	}
	return noIndex
}

func TestInitDropsDotAndEmptySegments(t *testing.T) {
	pl, err := Init("/a//./b/")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := String(pl); got != "/a/b" {
		t.Fatalf("String = %q, want /a/b", got)
	}
}

func TestInitResolvesDotDot(t *testing.T) {
	pl, err := Init("/a/b/../c")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := String(pl); got != "/a/c" {
		t.Fatalf("String = %q, want /a/c", got)
	}
}

func TestInitDotDotAboveRootIsDropped(t *testing.T) {
	pl, err := Init("/../../a")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := String(pl); got != "/a" {
		t.Fatalf("String = %q, want /a", got)
	}
}

func TestSetRootLocatesMatchingSuffix(t *testing.T) {
	pl, err := Init("/var/udiMount/global/u1")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := SetRoot(pl, "/var/udiMount"); err != nil {
		t.Fatalf("SetRoot: %v", err)
	}
	if !RelrootSet(pl) {
		t.Fatal("expected relroot to be set")
	}
}

func TestSetRootEmptyClearsRelroot(t *testing.T) {
	pl, err := Init("/var/udiMount/global/u1")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := SetRoot(pl, "/var/udiMount"); err != nil {
		t.Fatalf("SetRoot: %v", err)
	}
	if err := SetRoot(pl, "/"); err != nil {
		t.Fatalf("SetRoot: %v", err)
	}
	if RelrootSet(pl) {
		t.Fatal("expected relroot to be cleared by root path")
	}
}

func TestSetRootMismatchReturnsError(t *testing.T) {
	pl, err := Init("/var/udiMount/global/u1")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := SetRoot(pl, "/opt/other"); err == nil {
		t.Fatal("expected error for relroot that does not match the pathlist")
	}
}

func TestSymlinkSubstituteReplantsAbsoluteTargetUnderRelroot(t *testing.T) {
	// Base: /var/udiMount/global/user/dmj/test/1234, relroot
	// /var/udiMount, and the "user" component is a symlink to the
	// absolute target /global/u1. The substitution must replant the
	// link target beneath the relroot, never above it, yielding
	// /var/udiMount/global/u1/dmj/test/1234.
	pl, err := Init("/var/udiMount/global/user/dmj/test/1234")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := SetRoot(pl, "/var/udiMount"); err != nil {
		t.Fatalf("SetRoot: %v", err)
	}

	linkComp := findComponent(pl, "user")
	if linkComp == noIndex {
		t.Fatal("could not find \"user\" component")
	}

	result, _, err := SymlinkSubstitute(pl, linkComp, "/global/u1")
	if err != nil {
		t.Fatalf("SymlinkSubstitute: %v", err)
	}

	want := "/var/udiMount/global/u1/dmj/test/1234"
	if got := String(result); got != want {
		t.Fatalf("String(result) = %q, want %q", got, want)
	}
}

func TestSymlinkResolveRelativeAppendsToTerminal(t *testing.T) {
	base, err := Init("/a/b/c")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	out, err := SymlinkResolve(base, "d/e")
	if err != nil {
		t.Fatalf("SymlinkResolve: %v", err)
	}
	if got := String(out); got != "/a/b/c/d/e" {
		t.Fatalf("String = %q, want /a/b/c/d/e", got)
	}
}

func TestCommonPathSharedPrefix(t *testing.T) {
	a, err := Init("/a/b/c")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	b, err := Init("/a/b/d")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	common, err := CommonPath(a, b)
	if err != nil {
		t.Fatalf("CommonPath: %v", err)
	}
	if got := String(common); got != "/a/b" {
		t.Fatalf("String = %q, want /a/b", got)
	}
}

func TestMatchPartialFindsTailComponent(t *testing.T) {
	full, err := Init("/a/b/c")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	partial, err := Init("/a/b")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	idx, err := MatchPartial(full, partial)
	if err != nil {
		t.Fatalf("MatchPartial: %v", err)
	}
	if full.arena[idx].name != "b" {
		t.Fatalf("matched component name = %q, want b", full.arena[idx].name)
	}
}

func TestMatchPartialDivergesReturnsError(t *testing.T) {
	full, err := Init("/a/b/c")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	partial, err := Init("/a/x")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := MatchPartial(full, partial); err == nil {
		t.Fatal("expected error for divergent partial path")
	}
}

func TestIsAbsolute(t *testing.T) {
	abs, _ := Init("/a/b")
	rel, _ := Init("a/b")
	if !IsAbsolute(abs) {
		t.Fatal("expected absolute path to report true")
	}
	if IsAbsolute(rel) {
		t.Fatal("expected relative path to report false")
	}
}
