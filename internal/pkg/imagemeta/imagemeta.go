// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

// Package imagemeta parses the image descriptor sidecar file that an
// image-gateway client deposits next to an already resolved image.
// The core only ever reads this file; it never acquires, converts, or
// stores images itself.
package imagemeta

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/NERSC/shifter-sub000/internal/pkg/sylog"
)

// Format is the image's on-disk container format.
type Format int

const (
	Invalid Format = iota
	VFS
	EXT4
	SQUASHFS
	CRAMFS
	XFS
)

func parseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "vfs":
		return VFS
	case "ext4":
		return EXT4
	case "squashfs":
		return SQUASHFS
	case "cramfs":
		return CRAMFS
	case "xfs":
		return XFS
	default:
		return Invalid
	}
}

func (f Format) String() string {
	switch f {
	case VFS:
		return "VFS"
	case EXT4:
		return "EXT4"
	case SQUASHFS:
		return "SQUASHFS"
	case CRAMFS:
		return "CRAMFS"
	case XFS:
		return "XFS"
	default:
		return "INVALID"
	}
}

// ImageMetadata is the immutable, once-populated descriptor of an
// image.
type ImageMetadata struct {
	Identifier   string
	Filename     string
	Format       Format
	UseLoopMount bool
	Env          []string
	Entrypoint   string
	Workdir      string
	VolumeMounts []string
	ImageType    string
	ImageTag     string
}

// Load reads "<identifier>.meta" at basePath and populates an
// ImageMetadata. Unknown keys are reported but non-fatal.
func Load(basePath, identifier string) (*ImageMetadata, error) {
	path := basePath + "/" + identifier + ".meta"
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening image metadata %s", path)
	}
	defer f.Close()

	md := &ImageMetadata{Identifier: identifier}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			sylog.Warningf("malformed metadata line (no ':'): %q", line)
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "FORMAT":
			md.Format = parseFormat(value)
		case "ENV":
			md.Env = append(md.Env, value)
		case "ENTRY":
			md.Entrypoint = value
		case "WORKDIR":
			md.Workdir = value
		case "VOLUME":
			md.VolumeMounts = append(md.VolumeMounts, value)
		default:
			sylog.Warningf("unrecognized image metadata key %q in %s", key, path)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading image metadata")
	}

	md.Filename = basePath + "/" + identifier
	md.UseLoopMount = md.Format != VFS && md.Format != Invalid
	return md, nil
}
