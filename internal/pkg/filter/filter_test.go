// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

package filter

import "testing"

func TestFilterAllowsSlashWhenPermitted(t *testing.T) {
	if got := Filter("/usr/local/bin", true); got != "/usr/local/bin" {
		t.Fatalf("Filter = %q", got)
	}
}

func TestFilterStripsSlashWhenNotPermitted(t *testing.T) {
	if got := Filter("/usr/local", false); got != "usrlocal" {
		t.Fatalf("Filter = %q", got)
	}
}

func TestFilterStripsShellMetacharacters(t *testing.T) {
	if got := Filter("evil;$(rm -rf /)", true); got != "evilrm-rf/" {
		t.Fatalf("Filter = %q", got)
	}
}

func TestFilterKeepsPunctuationSubset(t *testing.T) {
	if got := Filter("alpine:3.18_rc+1", true); got != "alpine:3.18_rc+1" {
		t.Fatalf("Filter = %q", got)
	}
}

func TestFilterStripsComma(t *testing.T) {
	if got := Filter("a,b", true); got != "ab" {
		t.Fatalf("Filter = %q, comma should be stripped", got)
	}
}
