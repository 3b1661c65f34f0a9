// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

// Package volumemap parses and represents the small grammar of
// user/site mount specifications: a ';'-separated list of
// "source:target[:flag[:flag...]]" entries, each carrying a closed
// set of flags and, for per-node caches, a structured
// size/fstype/method descriptor.
package volumemap

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/NERSC/shifter-sub000/internal/pkg/filter"
)

// VolumeMapEntry is one (source, target, flags) triple plus the
// canonical raw string it was regenerated into after parsing.
type VolumeMapEntry struct {
	Source string
	Target string
	Flags  []Flag
	Raw    string
}

// HasFlag reports whether the entry carries a flag of kind k.
func (e *VolumeMapEntry) HasFlag(k FlagKind) bool { return hasKind(e.Flags, k) }

// CacheConfig returns the entry's per-node cache descriptor, or nil if
// the entry has no PERNODECACHE flag.
func (e *VolumeMapEntry) CacheConfig() *PerNodeCacheConfig {
	for _, f := range e.Flags {
		if f.Kind == PerNodeCache {
			return f.Cache
		}
	}
	return nil
}

// VolumeMap is a sequence of parsed entries.
type VolumeMap struct {
	Entries []VolumeMapEntry
}

// N matches the number of entries; kept as a named accessor so callers
// ported from a capacity-counted representation have a direct
// equivalent.
func (vm *VolumeMap) N() int { return len(vm.Entries) }

// Parse splits raw on ';' (honoring double-quote-wrapped entries) and
// parses each entry. siteEntry controls whether an entry with no ':'
// fills target = source (true for site entries).
func Parse(raw string, siteEntry bool) (*VolumeMap, error) {
	vm := &VolumeMap{}
	if strings.TrimSpace(raw) == "" {
		return vm, nil
	}
	for _, entryStr := range splitTopLevel(raw, ';') {
		entryStr = strings.TrimSpace(entryStr)
		if entryStr == "" {
			continue
		}
		entry, err := parseEntry(entryStr, siteEntry)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing volume map entry %q", entryStr)
		}
		vm.Entries = append(vm.Entries, *entry)
	}
	return vm, nil
}

// splitTopLevel splits s on sep, but never inside a double-quoted
// span, matching the original grammar's quote handling.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuote = !inQuote
			cur.WriteByte(c)
		case c == sep && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

func parseEntry(raw string, siteEntry bool) (*VolumeMapEntry, error) {
	unquoted := raw
	if len(unquoted) >= 2 && unquoted[0] == '"' && unquoted[len(unquoted)-1] == '"' && strings.Count(unquoted, `"`) == 2 {
		unquoted = unquoted[1 : len(unquoted)-1]
	}
	toks := splitTopLevel(unquoted, ':')
	for i := range toks {
		toks[i] = strings.Trim(toks[i], `"`)
	}
	if len(toks) == 0 || toks[0] == "" {
		return nil, errors.New("missing source path")
	}

	source := filter.Filter(toks[0], true)
	var target string
	var flagToks []string
	switch {
	case len(toks) == 1:
		if !siteEntry {
			return nil, errors.New("user volume entry requires a target")
		}
		target = source
	default:
		target = filter.Filter(toks[1], true)
		flagToks = toks[2:]
	}

	var flags []Flag
	for _, ft := range flagToks {
		if ft == "" {
			continue
		}
		f, err := parseFlag(ft)
		if err != nil {
			return nil, err
		}
		flags = append(flags, f)
	}
	if err := checkFlagInvariants(flags); err != nil {
		return nil, err
	}
	flags = sortFlags(flags)

	entry := &VolumeMapEntry{Source: source, Target: target, Flags: flags}
	entry.Raw = entryRawString(entry)
	return entry, nil
}

// entryRawString regenerates the canonical raw form from filtered
// source/target and sorted flags.
func entryRawString(e *VolumeMapEntry) string {
	parts := []string{e.Source, e.Target}
	for _, f := range e.Flags {
		parts = append(parts, formatFlag(f))
	}
	return strings.Join(parts, ":")
}

// Signature returns the ';'-joined sorted raw entries of the map, used
// for container-reuse equality comparisons.
func (vm *VolumeMap) Signature() string {
	raws := make([]string, 0, len(vm.Entries))
	for _, e := range vm.Entries {
		raws = append(raws, e.Raw)
	}
	sort.Strings(raws)
	return strings.Join(raws, ";")
}
