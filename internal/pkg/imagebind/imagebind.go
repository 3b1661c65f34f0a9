// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

// Package imagebind performs the bind-or-copy traversal that composes
// an image into a container root: for a subtree of the image, each
// entry is either bind-mounted (directories, large files) or copied
// (symlinks, small files) into the container root, skipping anything
// the site stager already placed there.
package imagebind

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/NERSC/shifter-sub000/internal/pkg/filter"
	"github.com/NERSC/shifter-sub000/internal/pkg/mountlist"
	"github.com/NERSC/shifter-sub000/internal/pkg/sylog"
)

// FileSizeLimit is the regular-file size threshold above which a file
// is bind-mounted instead of copied.
const FileSizeLimit = 5 * 1024 * 1024

// Mounter performs one bind mount of src onto an already-created
// containerPath; injected so imagebind does not import bindmount
// directly (imagebind only ever issues plain, non-flagged binds).
type Mounter func(src, dst string) error

// Options configures one BindImageIntoUDI call.
type Options struct {
	ImageRoot     string
	ContainerRoot string
	Subtree       string // relative path, "" for the image root
	CopyMode      bool   // true for /etc: directories are copied, not bound
	Mounter       Mounter
}

// BindImageIntoUDI walks imageRoot/subtree and composes it into
// containerRoot/subtree under the two-mode discipline above.
func BindImageIntoUDI(opts Options, ml *mountlist.MountList) error {
	imageDir := filepath.Join(opts.ImageRoot, opts.Subtree)
	entries, err := os.ReadDir(imageDir)
	if err != nil {
		return errors.Wrapf(err, "reading image subtree %s", imageDir)
	}

	for _, e := range entries {
		name := e.Name()
		if name == "." || name == ".." {
			continue
		}
		filtered := filter.Filter(name, false)
		if filtered == "" {
			sylog.Warningf("skipping image entry with no legal characters: %q", name)
			continue
		}

		containerPath := filepath.Join(opts.ContainerRoot, opts.Subtree, filtered)
		if containerPath == filepath.Clean(opts.ContainerRoot) {
			// prevents recursively mounting the container into itself.
			continue
		}
		if _, err := os.Lstat(containerPath); err == nil {
			continue // already placed by the site stager; never overwrite.
		}

		sourcePath := filepath.Join(imageDir, name)
		fi, err := os.Lstat(sourcePath)
		if err != nil {
			continue // vanished between ReadDir and Lstat; skip.
		}

		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			if err := copySymlink(sourcePath, containerPath); err != nil {
				return errors.Wrapf(err, "copying symlink %s", sourcePath)
			}
		case fi.Mode().IsRegular() && fi.Size() < FileSizeLimit:
			if err := copyFile(sourcePath, containerPath, fi.Mode()); err != nil {
				return errors.Wrapf(err, "copying file %s", sourcePath)
			}
		case fi.Mode().IsRegular():
			if err := os.WriteFile(containerPath, nil, 0o644); err != nil {
				return errors.Wrapf(err, "creating placeholder for %s", containerPath)
			}
			if err := opts.Mounter(sourcePath, containerPath); err != nil {
				return errors.Wrapf(err, "bind mounting large file %s", sourcePath)
			}
			ml.Insert(containerPath)
		case fi.IsDir():
			if opts.CopyMode {
				if err := copyDirRecursive(sourcePath, containerPath); err != nil {
					return errors.Wrapf(err, "copying directory %s", sourcePath)
				}
			} else {
				if err := os.MkdirAll(containerPath, 0o755); err != nil {
					return errors.Wrapf(err, "creating directory %s", containerPath)
				}
				if err := opts.Mounter(sourcePath, containerPath); err != nil {
					return errors.Wrapf(err, "bind mounting directory %s", sourcePath)
				}
				ml.Insert(containerPath)
			}
		default:
			sylog.Debugf("skipping unsupported file type at %s", sourcePath)
		}
	}
	return nil
}

func copySymlink(src, dst string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return err
	}
	return os.Symlink(target, dst)
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func copyDirRecursive(src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, fi.Mode().Perm()); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		s := filepath.Join(src, e.Name())
		d := filepath.Join(dst, e.Name())
		info, err := os.Lstat(s)
		if err != nil {
			continue
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			if err := copySymlink(s, d); err != nil {
				return err
			}
		case info.IsDir():
			if err := copyDirRecursive(s, d); err != nil {
				return err
			}
		default:
			if err := copyFile(s, d, info.Mode()); err != nil {
				return err
			}
		}
	}
	return nil
}
