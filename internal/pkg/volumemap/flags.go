// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

package volumemap

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
	"github.com/pkg/errors"

	"github.com/ccoveille/go-safecast"
)

// FlagKind enumerates the closed set of recognized volume-mount flags.
// The numeric value is also the canonical sort key used to stabilize
// an entry's flag list for signature purposes.
type FlagKind int

const (
	ReadOnly FlagKind = iota
	Recursive
	PerNodeCache
	Slave
	Private
)

func (k FlagKind) String() string {
	switch k {
	case ReadOnly:
		return "ro"
	case Recursive:
		return "rec"
	case PerNodeCache:
		return "perNodeCache"
	case Slave:
		return "slave"
	case Private:
		return "private"
	default:
		return "?"
	}
}

// PerNodeCacheConfig describes a transient per-node cache backing
// store.
type PerNodeCacheConfig struct {
	CacheSize int64
	BlockSize int64
	FSType    string
	Method    string
}

// Flag is one parsed flag occurrence; Cache is populated only for
// FlagKind == PerNodeCache.
type Flag struct {
	Kind  FlagKind
	Cache *PerNodeCacheConfig
}

const (
	defaultBlockSize = 1024 * 1024
	defaultFSType    = "xfs"
	defaultMethod    = "loop"
)

// parseFlag interprets one ':'-separated flag token, already split
// from the entry and unquoted. Flag name matching is case-insensitive.
func parseFlag(tok string) (Flag, error) {
	name := tok
	var args string
	if idx := strings.Index(tok, "="); idx >= 0 {
		name = tok[:idx]
		args = tok[idx+1:]
	}
	lname := strings.ToLower(name)
	switch lname {
	case "ro":
		return Flag{Kind: ReadOnly}, nil
	case "rec":
		return Flag{Kind: Recursive}, nil
	case "slave":
		return Flag{Kind: Slave}, nil
	case "private":
		return Flag{Kind: Private}, nil
	case "pernodecache":
		cfg, err := parsePerNodeCache(args)
		if err != nil {
			return Flag{}, err
		}
		return Flag{Kind: PerNodeCache, Cache: cfg}, nil
	default:
		return Flag{}, errors.Errorf("unrecognized volume flag %q", tok)
	}
}

// parsePerNodeCache parses "size=<bytes>,bs=<bytes>,fs=<fstype>,method=<method>".
// size is mandatory and must be positive; bs/fs/method each fall back
// to a default when omitted.
func parsePerNodeCache(args string) (*PerNodeCacheConfig, error) {
	cfg := &PerNodeCacheConfig{
		BlockSize: defaultBlockSize,
		FSType:    defaultFSType,
		Method:    defaultMethod,
	}
	sawSize := false
	for _, kv := range strings.Split(args, ",") {
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("malformed perNodeCache argument %q", kv)
		}
		key, val := strings.ToLower(parts[0]), parts[1]
		switch key {
		case "size":
			n, err := parseByteSize(val)
			if err != nil {
				return nil, errors.Wrap(err, "perNodeCache size")
			}
			cfg.CacheSize = n
			sawSize = true
		case "bs":
			n, err := parseByteSize(val)
			if err != nil {
				return nil, errors.Wrap(err, "perNodeCache bs")
			}
			cfg.BlockSize = n
		case "fs":
			cfg.FSType = val
		case "method":
			cfg.Method = val
		default:
			return nil, errors.Errorf("unrecognized perNodeCache key %q", key)
		}
	}
	if !sawSize {
		return nil, errors.New("perNodeCache requires size=")
	}
	if cfg.CacheSize <= 0 {
		return nil, errors.New("perNodeCache size must be positive")
	}
	if cfg.BlockSize <= 0 {
		return nil, errors.New("perNodeCache bs must be positive")
	}
	return cfg, nil
}

// parseByteSize accepts a trailing single-letter suffix in
// {b,k,m,g,t,p,e} (case-insensitive) meaning 1024-ary multipliers.
// The e suffix is handled here; the others go to docker/go-units'
// RAMInBytes, which also accepts its own kb/kib-style spellings.
func parseByteSize(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("empty size")
	}
	if last := s[len(s)-1]; last == 'e' || last == 'E' {
		n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
		if err != nil || n > math.MaxInt64>>60 {
			return 0, errors.Errorf("invalid byte size %q", s)
		}
		return n << 60, nil
	}
	// RAMInBytes wants at least one digit; also accept bare digits.
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		n, err := strconv.ParseInt(s, 10, 64)
		return n, err
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid byte size %q", s)
	}
	return n, nil
}

// sortFlags returns flags sorted by Kind for canonicalization.
func sortFlags(flags []Flag) []Flag {
	out := append([]Flag(nil), flags...)
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// hasKind reports whether flags contains a flag of the given kind.
func hasKind(flags []Flag, k FlagKind) bool {
	for _, f := range flags {
		if f.Kind == k {
			return true
		}
	}
	return false
}

// checkFlagInvariants enforces that no flag kind appears twice, and
// that SLAVE/PRIVATE are mutually exclusive.
func checkFlagInvariants(flags []Flag) error {
	seen := make(map[FlagKind]bool)
	for _, f := range flags {
		if seen[f.Kind] {
			return errors.Errorf("flag %s specified more than once", f.Kind)
		}
		seen[f.Kind] = true
	}
	if seen[Slave] && seen[Private] {
		return errors.New("slave and private flags are mutually exclusive")
	}
	return nil
}

func formatFlag(f Flag) string {
	if f.Kind != PerNodeCache {
		return f.Kind.String()
	}
	c := f.Cache
	// size is emitted as a raw byte count, not a human suffix, so the
	// signature stays stable regardless of how the caller wrote it;
	// bs/method/fs follow afterward.
	u, err := safecast.ToUint64(c.CacheSize)
	if err != nil {
		u = 0
	}
	bu, err := safecast.ToUint64(c.BlockSize)
	if err != nil {
		bu = 0
	}
	return fmt.Sprintf("perNodeCache=size=%d,bs=%d,method=%s,fstype=%s", u, bu, c.Method, c.FSType)
}
