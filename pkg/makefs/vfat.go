// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package makefs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
)

const (
	// FilesystemTypeVFAT is the filesystem type for VFAT.
	FilesystemTypeVFAT = "vfat"
)

// VFAT creates a VFAT filesystem in the specified image file.
//
// The FAT variant is picked by mkfs.vfat from the image size.
func VFAT(ctx context.Context, image string, setters ...Option) error {
	if image == "" {
		return errors.New("missing path to image")
	}

	opts := NewDefaultOptions(setters...)

	var args []string

	if opts.Serial != "" {
		args = append(args, "-i", opts.Serial)
	}

	if opts.Label != "" {
		args = append(args, "-n", opts.Label)
	}

	if opts.Reproducible {
		args = append(args, "--invariant")
	}

	args = append(args, image)

	opts.Printf("creating vfat filesystem on %s with args: %v", image, args)

	if _, err := opts.Run(ctx, "mkfs.vfat", args...); err != nil {
		return err
	}

	// If source directory is specified, populate the filesystem using mtools
	if opts.SourceDirectory != "" {
		if err := PopulateVFAT(ctx, image, opts.SourceDirectory, setters...); err != nil {
			return fmt.Errorf("failed to populate VFAT filesystem: %w", err)
		}
	}

	return nil
}

// PopulateVFAT copies the contents of sourceDir into the FAT image.
//
// All directories are created first, then all files are copied, both in
// lexical path order, so the resulting directory tables do not depend on the
// order in which the host filesystem returns entries.
func PopulateVFAT(ctx context.Context, image, sourceDir string, setters ...Option) error {
	opts := NewDefaultOptions(setters...)

	dirs, files, err := listTree(sourceDir)
	if err != nil {
		return err
	}

	for _, dir := range dirs {
		if _, err = opts.Run(ctx, "mmd", "-i", image, "::/"+dir); err != nil {
			return fmt.Errorf("failed to create directory %q: %w", dir, err)
		}
	}

	for _, file := range files {
		// -p keeps attributes, -m keeps the (normalized) modification time
		if _, err = opts.Run(ctx, "mcopy", "-p", "-m", "-i", image, filepath.Join(sourceDir, file), "::/"+file); err != nil {
			return fmt.Errorf("failed to copy file %q: %w", file, err)
		}
	}

	opts.Printf("populated %s with %d directories and %d files", image, len(dirs), len(files))

	return nil
}

// VFATCheck runs a read-only consistency check of the FAT image.
func VFATCheck(ctx context.Context, image string, setters ...Option) error {
	opts := NewDefaultOptions(setters...)

	if _, err := opts.Run(ctx, "fsck.vfat", "-v", "-n", image); err != nil {
		return fmt.Errorf("consistency check of %q failed: %w", image, err)
	}

	return nil
}

// listTree returns slash-separated relative paths of directories and regular files under root, sorted.
func listTree(root string) (dirs, files []string, err error) {
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("error walking through source directory %q: %w", root, walkErr)
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %q: %w", path, err)
		}

		if relPath == "." {
			return nil
		}

		relPath = filepath.ToSlash(relPath)

		switch {
		case d.IsDir():
			dirs = append(dirs, relPath)
		case d.Type().IsRegular():
			files = append(files, relPath)
		default:
			return fmt.Errorf("unsupported file type in %q: %s", relPath, d.Type())
		}

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	slices.Sort(dirs)
	slices.Sort(files)

	return dirs, files, nil
}
