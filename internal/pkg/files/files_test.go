// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

package files

import "testing"

func TestPasswdSynthesizesSingleLine(t *testing.T) {
	info := &UserInfo{Name: "dmj", UID: 1000, GID: 1000, Gecos: "Test User", Home: "/home/dmj", Shell: "/bin/bash"}
	got := string(Passwd(info))
	want := "dmj:x:1000:1000:Test User:/home/dmj:/bin/bash\n"
	if got != want {
		t.Fatalf("Passwd = %q, want %q", got, want)
	}
}

func TestGroupSynthesizesSingleLine(t *testing.T) {
	got := string(Group(&GroupInfo{Name: "users", GID: 100}))
	want := "users:x:100:\n"
	if got != want {
		t.Fatalf("Group = %q, want %q", got, want)
	}
}

func TestNSSwitchIsFilesOnly(t *testing.T) {
	got := string(NSSwitch())
	want := "passwd: files\n"
	if len(got) < len(want) || got[:len(want)] != want {
		t.Fatalf("NSSwitch = %q, want to start with %q", got, want)
	}
}

func TestFilterGroupFileCapsMembership(t *testing.T) {
	src := []byte(
		"g1:x:1:dmj,alice\n" +
			"g2:x:2:dmj\n" +
			"g3:x:3:dmj\n" +
			"g4:x:4:bob\n",
	)
	out := string(FilterGroupFile(src, "dmj", 2))
	want := "g1:x:1:dmj\n" +
		"g2:x:2:dmj\n" +
		"g3:x:3:\n" +
		"g4:x:4:\n"
	if out != want {
		t.Fatalf("FilterGroupFile =\n%q\nwant\n%q", out, want)
	}
}

func TestFilterGroupFilePreservesMalformedLines(t *testing.T) {
	src := []byte("not-a-group-line\n")
	out := string(FilterGroupFile(src, "dmj", 5))
	if out != "not-a-group-line\n" {
		t.Fatalf("FilterGroupFile = %q, want passthrough", out)
	}
}

func TestFilterGroupFileZeroCapStripsAllMembers(t *testing.T) {
	src := []byte("g1:x:1:dmj\n")
	out := string(FilterGroupFile(src, "dmj", 0))
	if out != "g1:x:1:\n" {
		t.Fatalf("FilterGroupFile = %q, want membership stripped", out)
	}
}
