// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

// Package validator implements a policy engine of two disjoint rule
// sets (user-requested, site-requested) that accept or reject a
// (source, target, flags) triple.
package validator

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/NERSC/shifter-sub000/internal/pkg/volumemap"
)

// RuleSet is one of the two disjoint policy rule sets.
type RuleSet struct {
	name             string
	targetStartsWith []string
	targetExact      []string
	sourceStartsWith []string
	sourceExact      []string
	allowedFlags     map[volumemap.FlagKind]bool
}

// User is the strict rule set applied to job-requested volume mounts.
var User = RuleSet{
	name:             "user",
	targetStartsWith: []string{"/etc", "/var", "/opt/udiImage"},
	targetExact:      []string{"/opt"},
	allowedFlags: map[volumemap.FlagKind]bool{
		volumemap.ReadOnly:     true,
		volumemap.PerNodeCache: true,
	},
}

// Site is the more permissive rule set applied to operator-mandated
// volume mounts.
var Site = RuleSet{
	name:        "site",
	targetExact: []string{"/opt", "/etc", "/var", "/etc/passwd", "/etc/group", "/etc/nsswitch.conf"},
	allowedFlags: map[volumemap.FlagKind]bool{
		volumemap.ReadOnly:     true,
		volumemap.Recursive:    true,
		volumemap.PerNodeCache: true,
		volumemap.Slave:        true,
		volumemap.Private:      true,
	},
}

func normalize(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// Validate checks entry against rs, returning an error describing the
// first violated rule.
func Validate(rs RuleSet, entry *volumemap.VolumeMapEntry) error {
	target := normalize(entry.Target)
	source := normalize(entry.Source)

	for _, pfx := range rs.targetStartsWith {
		if target == pfx || strings.HasPrefix(target, strings.TrimSuffix(pfx, "/")+"/") {
			return errors.Errorf("%s policy forbids target %q (starts with %q)", rs.name, entry.Target, pfx)
		}
	}
	for _, exact := range rs.targetExact {
		if target == exact {
			return errors.Errorf("%s policy forbids target %q exactly", rs.name, entry.Target)
		}
	}
	for _, pfx := range rs.sourceStartsWith {
		if source == pfx || strings.HasPrefix(source, strings.TrimSuffix(pfx, "/")+"/") {
			return errors.Errorf("%s policy forbids source %q (starts with %q)", rs.name, entry.Source, pfx)
		}
	}
	for _, exact := range rs.sourceExact {
		if source == exact {
			return errors.Errorf("%s policy forbids source %q exactly", rs.name, entry.Source)
		}
	}

	seen := make(map[volumemap.FlagKind]bool)
	for _, f := range entry.Flags {
		if seen[f.Kind] {
			return errors.Errorf("flag %s specified more than once", f.Kind)
		}
		seen[f.Kind] = true
		if !rs.allowedFlags[f.Kind] {
			return errors.Errorf("%s policy does not allow flag %s", rs.name, f.Kind)
		}
	}
	if seen[volumemap.Slave] && seen[volumemap.Private] {
		return errors.New("slave and private flags are mutually exclusive")
	}
	return nil
}

// ValidateMap validates every entry of vm against rs, stopping and
// returning at the first violation.
func ValidateMap(rs RuleSet, vm *volumemap.VolumeMap) error {
	for i := range vm.Entries {
		if err := Validate(rs, &vm.Entries[i]); err != nil {
			return errors.Wrapf(err, "entry %d (%s:%s)", i, vm.Entries[i].Source, vm.Entries[i].Target)
		}
	}
	return nil
}
