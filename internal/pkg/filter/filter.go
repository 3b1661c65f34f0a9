// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

// Package filter sanitizes user-supplied path components and image
// tags before use. Allowed characters are A-Z a-z 0-9 _ : . + - plus
// '/' when the caller permits it; every other byte is stripped.
package filter

import "strings"

func isAllowed(b byte, allowSlash bool) bool {
	switch {
	case b >= 'A' && b <= 'Z':
		return true
	case b >= 'a' && b <= 'z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '_' || b == ':' || b == '.' || b == '+' || b == '-':
		return true
	case b == '/' && allowSlash:
		return true
	default:
		return false
	}
}

// Filter strips every byte not in the allowed set from s. allowSlash
// controls whether '/' passes through.
func Filter(s string, allowSlash bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if isAllowed(s[i], allowSlash) {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
