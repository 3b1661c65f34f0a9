// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

package sitestage

import (
	"reflect"
	"testing"
)

func TestParseNodeSpecPreservesOrder(t *testing.T) {
	nodes, err := ParseNodeSpec("nid00001/4 nid00002/2")
	if err != nil {
		t.Fatalf("ParseNodeSpec: %v", err)
	}
	want := []NodeSpec{{Host: "nid00001", Count: 4}, {Host: "nid00002", Count: 2}}
	if !reflect.DeepEqual(nodes, want) {
		t.Fatalf("nodes = %+v, want %+v", nodes, want)
	}
}

func TestParseNodeSpecEmptyYieldsNoNodes(t *testing.T) {
	nodes, err := ParseNodeSpec("   ")
	if err != nil {
		t.Fatalf("ParseNodeSpec: %v", err)
	}
	if len(nodes) != 0 {
		t.Fatalf("nodes = %+v, want empty", nodes)
	}
}

func TestParseNodeSpecMissingSlashIsError(t *testing.T) {
	if _, err := ParseNodeSpec("nid00001"); err == nil {
		t.Fatal("expected error for a token with no '/'")
	}
}

func TestParseNodeSpecZeroCountIsError(t *testing.T) {
	if _, err := ParseNodeSpec("nid00001/0"); err == nil {
		t.Fatal("expected error for a zero count")
	}
}

func TestParseNodeSpecNonNumericCountIsError(t *testing.T) {
	if _, err := ParseNodeSpec("nid00001/many"); err == nil {
		t.Fatal("expected error for a non-numeric count")
	}
}
