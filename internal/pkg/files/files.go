// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

// Package files synthesizes the minimal container /etc files needed
// for a single-user container: a single-user passwd template, a
// member-capped group file, and a files-only nsswitch.conf.
package files

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	pwd "github.com/astromechza/etcpwdparse"
	"github.com/pkg/errors"
)

// UserInfo is the minimal identity information needed to synthesize
// passwd/group entries; it is independent of os/user.User so tests can
// fabricate entries without touching the host's NSS configuration.
type UserInfo struct {
	Name  string
	UID   int
	GID   int
	Gecos string
	Home  string
	Shell string
}

// GroupInfo mirrors one group database entry.
type GroupInfo struct {
	Name string
	GID  int
}

// LookupFunc resolves identity information either via real libc NSS
// calls or a flat passwd-format file, selected by RuntimeConfig's
// AllowLibcPwdCalls switch.
type LookupFunc func(uid int) (*UserInfo, error)

// LibcLookup resolves a uid through the host's NSS configuration via
// the standard library's os/user package.
func LibcLookup(uid int) (*UserInfo, error) {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return nil, errors.Wrapf(err, "looking up uid %d", uid)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing gid for uid %d", uid)
	}
	return &UserInfo{Name: u.Username, UID: uid, GID: gid, Gecos: u.Name, Home: u.HomeDir, Shell: "/bin/sh"}, nil
}

// FlatFileLookup builds a LookupFunc that resolves identities from a
// shifter-specific flat passwd file, for sites that disallow libc NSS
// calls from within the setuid process.
func FlatFileLookup(path string) LookupFunc {
	return func(uid int) (*UserInfo, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "opening flat passwd file %s", path)
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			entry, err := pwd.ParsePasswdLine(line)
			if err != nil {
				continue
			}
			if entry.Uid() == uid {
				return &UserInfo{
					Name: entry.Username(), UID: entry.Uid(), GID: entry.Gid(),
					Gecos: entry.Info(), Home: entry.HomeDir(), Shell: entry.Shell(),
				}, nil
			}
		}
		return nil, errors.Errorf("uid %d not found in %s", uid, path)
	}
}

// Passwd synthesizes /etc/passwd content containing only the target
// user's entry.
func Passwd(info *UserInfo) []byte {
	line := fmt.Sprintf("%s:x:%d:%d:%s:%s:%s\n", info.Name, info.UID, info.GID, info.Gecos, info.Home, info.Shell)
	return []byte(line)
}

// Group synthesizes /etc/group content containing only the target
// gid's entry.
func Group(g *GroupInfo) []byte {
	return []byte(fmt.Sprintf("%s:x:%d:\n", g.Name, g.GID))
}

// NSSwitch synthesizes a files-only nsswitch.conf.
func NSSwitch() []byte {
	dbs := []string{"passwd", "group", "hosts", "networks", "services", "protocols", "rpc", "ethers", "netmasks", "netgroup", "publickey", "automount", "aliases", "shadow"}
	var b strings.Builder
	for _, db := range dbs {
		fmt.Fprintf(&b, "%s: files\n", db)
	}
	return []byte(b.String())
}

// FilterGroupFile preserves every group entry but caps the target
// user's membership at maxGroupCount entries; groups beyond the limit
// (or that never included the user) are emitted with an empty member
// list. This keeps glibc's initgroups() from enumerating a group
// database entry by entry for a user who belongs to hundreds of them.
func FilterGroupFile(src []byte, username string, maxGroupCount int) []byte {
	var out strings.Builder
	kept := 0
	scanner := bufio.NewScanner(strings.NewReader(string(src)))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, ":", 4)
		if len(fields) != 4 {
			out.WriteString(line + "\n")
			continue
		}
		members := strings.Split(fields[3], ",")
		isMember := false
		for _, m := range members {
			if m == username {
				isMember = true
				break
			}
		}
		if isMember && kept < maxGroupCount {
			kept++
			fmt.Fprintf(&out, "%s:%s:%s:%s\n", fields[0], fields[1], fields[2], username)
		} else {
			fmt.Fprintf(&out, "%s:%s:%s:\n", fields[0], fields[1], fields[2])
		}
	}
	return []byte(out.String())
}
