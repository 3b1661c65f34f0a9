// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

// Package configcompare produces and compares the canonical identity
// triple stored at a known path inside the container, used to detect
// whether a compatible container is already live in the global mount
// namespace and can be reused without re-staging.
package configcompare

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/NERSC/shifter-sub000/internal/pkg/volumemap"
)

// RelativePath is where the signature is persisted inside the
// container.
const RelativePath = "var/shifterConfig.json"

type signature struct {
	Identifier string `json:"identifier"`
	User       string `json:"user"`
	VolMap     string `json:"volMap"`
}

// Generate returns the canonical JSON form {"identifier","user","volMap"}
// with volMap set to the sorted, ';'-joined raw VolumeMap entries, so
// identical inputs always produce a byte-identical string regardless
// of the order flags were given in.
func Generate(identifier, username string, vm *volumemap.VolumeMap) (string, error) {
	sig := signature{Identifier: identifier, User: username, VolMap: vm.Signature()}
	b, err := json.Marshal(sig)
	if err != nil {
		return "", errors.Wrap(err, "marshaling config signature")
	}
	return string(b), nil
}

// Matches reads the signature file at containerRoot/RelativePath and
// byte-compares it against the signature generated for
// (identifier, username, vm). A missing or unreadable file is treated
// as no match, never as an error: the caller should fall back to full
// setup.
func Matches(containerRoot, identifier, username string, vm *volumemap.VolumeMap) (bool, error) {
	want, err := Generate(identifier, username, vm)
	if err != nil {
		return false, err
	}
	got, err := os.ReadFile(containerRoot + "/" + RelativePath)
	if err != nil {
		return false, nil
	}
	return string(got) == want, nil
}

// Save writes the canonical signature into the container at
// containerRoot/RelativePath.
func Save(containerRoot, identifier, username string, vm *volumemap.VolumeMap) error {
	content, err := Generate(identifier, username, vm)
	if err != nil {
		return err
	}
	path := containerRoot + "/" + RelativePath
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return errors.Wrapf(err, "writing config signature to %s", path)
	}
	return nil
}
