// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

// Package pathlist implements a canonical path representation as an
// arena of named components addressed by stable indices rather than
// pointers, which keeps the structural invariant explicit and makes
// duplication a plain slice copy.
//
// A PathList models a jailed realpath resolver: when a relroot is set,
// ".." resolution and symlink replanting never cross above it, so a
// symlink found inside an image resolves relative to the container
// root rather than the host root.
package pathlist

import (
	"strings"

	"github.com/pkg/errors"
)

// noIndex marks the absence of a component; arena index 0 is a valid
// component, so absence is represented out-of-band rather than by a
// sentinel value inside the valid range.
const noIndex = -1

// component is one named path element in the arena.
type component struct {
	name   string
	parent int
	child  int
}

// PathList is a sequence of path components with three distinguished
// markers: head, terminal (tail) and an optional relroot boundary.
type PathList struct {
	arena    []component
	head     int
	terminal int
	relroot  int
	absolute bool
}

func empty(absolute bool) *PathList {
	return &PathList{head: noIndex, terminal: noIndex, relroot: noIndex, absolute: absolute}
}

func (pl *PathList) push(name string) int {
	idx := len(pl.arena)
	pl.arena = append(pl.arena, component{name: name, parent: noIndex, child: noIndex})
	return idx
}

// Init splits path by '/'; empty segments and "." are dropped, ".." is
// retained as a literal component for later resolution, and
// absoluteness is inferred from a leading '/'. After parsing, Resolve
// is invoked automatically.
func Init(path string) (*PathList, error) {
	absolute := strings.HasPrefix(path, "/")
	pl := empty(absolute)
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." {
			continue
		}
		pl.appendRaw(seg)
	}
	resolve(pl)
	return pl, nil
}

// appendRaw splices one new named component onto the tail, with no
// resolution performed.
func (pl *PathList) appendRaw(name string) int {
	idx := pl.push(name)
	if pl.terminal == noIndex {
		pl.head = idx
		pl.arena[idx].parent = noIndex
	} else {
		pl.arena[idx].parent = pl.terminal
		pl.arena[pl.terminal].child = idx
	}
	pl.terminal = idx
	return idx
}

// removeComponent unlinks idx from the chain, fixing up head/terminal.
func (pl *PathList) removeComponent(idx int) {
	c := pl.arena[idx]
	if c.parent != noIndex {
		pl.arena[c.parent].child = c.child
	} else {
		pl.head = c.child
	}
	if c.child != noIndex {
		pl.arena[c.child].parent = c.parent
	} else {
		pl.terminal = c.parent
	}
}

// resolve performs a left-to-right ".." scan: a ".." whose parent is
// exactly relroot removes only the "..", leaving relroot in place; a
// ".." with no parent is dropped on its own; otherwise (including a
// parent that is the head) both the ".." and its parent are removed.
// relroot itself is never removed by this walk.
func resolve(pl *PathList) {
	cur := pl.head
	for cur != noIndex {
		next := pl.arena[cur].child
		if pl.arena[cur].name == ".." {
			parent := pl.arena[cur].parent
			if parent == pl.relroot && pl.relroot != noIndex {
				pl.removeComponent(cur)
			} else if parent == noIndex || parent == pl.head {
				// ".." at or above the head: drop it, and also drop
				// the head component it would have consumed, unless
				// there is no surviving head left to consume.
				if pl.head == cur {
					// no parent at all; just remove the ".." itself.
					pl.removeComponent(cur)
				} else {
					pl.removeComponent(cur)
					if parent != noIndex {
						pl.removeComponent(parent)
					}
				}
			} else {
				pl.removeComponent(cur)
				pl.removeComponent(parent)
			}
		}
		cur = next
	}
}

// SetRoot parses rootpath as an absolute PathList, locates the
// component in pl matching the tail of rootpath via MatchPartial, and
// sets pl's relroot to that component. An effectively "/" rootpath
// clears relroot instead.
func SetRoot(pl *PathList, rootpath string) error {
	rp, err := Init(rootpath)
	if err != nil {
		return err
	}
	if !rp.absolute {
		return errors.Errorf("relroot path %q must be absolute", rootpath)
	}
	if rp.head == noIndex {
		pl.relroot = noIndex
		return nil
	}
	idx, err := MatchPartial(pl, rp)
	if err != nil {
		return errors.Wrapf(err, "relroot %q does not match pathlist", rootpath)
	}
	pl.relroot = idx
	return nil
}

// Append parses path, splices its chain onto base's terminal, and
// re-resolves the combined list.
func Append(base *PathList, path string) error {
	frag, err := Init(path)
	if err != nil {
		return err
	}
	if frag.head == noIndex {
		return nil
	}
	offset := len(base.arena)
	for _, c := range frag.arena {
		nc := c
		if nc.parent != noIndex {
			nc.parent += offset
		}
		if nc.child != noIndex {
			nc.child += offset
		}
		base.arena = append(base.arena, nc)
	}
	fragHead := frag.head + offset
	fragTerminal := frag.terminal + offset
	if base.terminal == noIndex {
		base.head = fragHead
		base.arena[fragHead].parent = noIndex
	} else {
		base.arena[base.terminal].child = fragHead
		base.arena[fragHead].parent = base.terminal
	}
	base.terminal = fragTerminal
	resolve(base)
	return nil
}

// Duplicate deep-copies pl, preserving relroot/terminal markers; the
// two PathLists share no storage afterward.
func Duplicate(pl *PathList) *PathList {
	out := &PathList{
		arena:    append([]component(nil), pl.arena...),
		head:     pl.head,
		terminal: pl.terminal,
		relroot:  pl.relroot,
		absolute: pl.absolute,
	}
	return out
}

// DuplicatePartial duplicates pl then truncates at the component
// corresponding to upto (a component index valid in pl).
func DuplicatePartial(pl *PathList, upto int) *PathList {
	dup := Duplicate(pl)
	if upto == noIndex {
		return dup
	}
	dup.arena[upto].child = noIndex
	dup.terminal = upto
	if dup.relroot != noIndex {
		if !onChain(dup, dup.relroot, upto) {
			dup.relroot = noIndex
		}
	}
	return dup
}

func onChain(pl *PathList, target, stopAt int) bool {
	cur := pl.head
	for cur != noIndex {
		if cur == target {
			return true
		}
		if cur == stopAt {
			break
		}
		cur = pl.arena[cur].child
	}
	return false
}

// CommonPath walks a and b in parallel until components differ and
// returns a new PathList of the shared prefix. It fails if one side
// has a relroot at a position the other does not share.
func CommonPath(a, b *PathList) (*PathList, error) {
	out := empty(a.absolute && b.absolute)
	ca, cb := a.head, b.head
	pos := 0
	aRelPos, bRelPos := -1, -1
	for ca != noIndex && cb != noIndex {
		if a.arena[ca].name != b.arena[cb].name {
			break
		}
		if a.relroot == ca {
			aRelPos = pos
		}
		if b.relroot == cb {
			bRelPos = pos
		}
		idx := out.appendRaw(a.arena[ca].name)
		if aRelPos == pos || bRelPos == pos {
			out.relroot = idx
		}
		ca = a.arena[ca].child
		cb = b.arena[cb].child
		pos++
	}
	if aRelPos != bRelPos {
		return nil, errors.New("relroot mismatch between paths")
	}
	return out, nil
}

// MatchPartial walks full and partial in parallel and returns the
// component index in full corresponding to the last component of
// partial, or an error if partial diverges from full.
func MatchPartial(full, partial *PathList) (int, error) {
	cf, cp := full.head, partial.head
	last := noIndex
	for cp != noIndex {
		if cf == noIndex || full.arena[cf].name != partial.arena[cp].name {
			return noIndex, errors.New("partial path does not match")
		}
		last = cf
		cf = full.arena[cf].child
		cp = partial.arena[cp].child
	}
	if last == noIndex {
		return noIndex, errors.New("empty partial path")
	}
	return last, nil
}

// String emits the '/'-joined textual form of pl.
func String(pl *PathList) string {
	return StringPartial(pl, pl.terminal)
}

// StringPartial emits the '/'-joined textual form of pl truncated at
// upto (inclusive).
func StringPartial(pl *PathList, upto int) string {
	var parts []string
	cur := pl.head
	for cur != noIndex {
		parts = append(parts, pl.arena[cur].name)
		if cur == upto {
			break
		}
		cur = pl.arena[cur].child
	}
	joined := strings.Join(parts, "/")
	if pl.absolute {
		return "/" + joined
	}
	return joined
}

// SymlinkResolve duplicates base, parses linkText, and, if linkText
// is absolute, replants it above base's relroot (or above the head if
// none is set), discarding whatever currently sits there; otherwise it
// appends linkText to base's terminal. The result is re-resolved.
func SymlinkResolve(base *PathList, linkText string) (*PathList, error) {
	dup := Duplicate(base)
	if strings.HasPrefix(linkText, "/") {
		var anchor int
		if dup.relroot != noIndex {
			anchor = dup.relroot
		} else {
			anchor = noIndex
		}
		dup.arena = append([]component(nil), dup.arena[:0]...)
		// Rebuild only the prefix up to and including anchor, then
		// append the (possibly empty) link path beneath it.
		rebuilt := empty(true)
		if anchor != noIndex {
			// replay base's chain up to anchor into rebuilt.
			cur := base.head
			for cur != noIndex {
				idx := rebuilt.appendRaw(base.arena[cur].name)
				if cur == base.relroot {
					rebuilt.relroot = idx
					break
				}
				cur = base.arena[cur].child
			}
		}
		*dup = *rebuilt
		if err := Append(dup, linkText); err != nil {
			return nil, err
		}
		return dup, nil
	}
	if err := Append(dup, linkText); err != nil {
		return nil, err
	}
	return dup, nil
}

// SymlinkSubstitute is the realpath primitive: given path and the
// index of one of its components known to be a symlink whose textual
// target is linkText, it produces the
// rewritten path by replanting the link target under the common
// prefix of the original path's containing directory and the resolved
// link, then re-appending path's trailing components. It returns the
// index of the first component the caller has not yet vetted, so a
// realpath walk can resume there.
func SymlinkSubstitute(path *PathList, linkComp int, linkText string) (*PathList, int, error) {
	parentIdx := path.arena[linkComp].parent
	origPrefix := DuplicatePartial(path, parentIdx)
	if parentIdx == noIndex {
		origPrefix = empty(path.absolute)
	}

	parentPath := origPrefix
	linkPath, err := SymlinkResolve(parentPath, linkText)
	if err != nil {
		return nil, noIndex, err
	}

	common, err := CommonPath(origPrefix, linkPath)
	if err != nil {
		return nil, noIndex, err
	}

	result := Duplicate(common)
	// Append whatever of linkPath extends beyond the common prefix.
	extra := stringFrom(linkPath, len(common.arena))
	if extra != "" {
		if err := Append(result, extra); err != nil {
			return nil, noIndex, err
		}
	}
	firstNew := result.terminal

	// Re-append the trailing components of the original path that
	// followed linkComp.
	trailing := trailingComponents(path, linkComp)
	for _, name := range trailing {
		if err := Append(result, name); err != nil {
			return nil, noIndex, err
		}
	}

	return result, firstNew, nil
}

func stringFrom(pl *PathList, skip int) string {
	var parts []string
	cur := pl.head
	i := 0
	for cur != noIndex {
		if i >= skip {
			parts = append(parts, pl.arena[cur].name)
		}
		i++
		cur = pl.arena[cur].child
	}
	return strings.Join(parts, "/")
}

func trailingComponents(pl *PathList, after int) []string {
	var names []string
	cur := pl.arena[after].child
	for cur != noIndex {
		names = append(names, pl.arena[cur].name)
		cur = pl.arena[cur].child
	}
	return names
}

// IsAbsolute reports whether pl was parsed from an absolute path.
func IsAbsolute(pl *PathList) bool { return pl.absolute }

// RelrootSet reports whether pl has a relroot boundary configured.
func RelrootSet(pl *PathList) bool { return pl.relroot != noIndex }

// Terminal returns the index of pl's last component, or noIndex if
// empty.
func Terminal(pl *PathList) int { return pl.terminal }
