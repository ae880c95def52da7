// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package filemap provides a reproducible listing of a directory tree mapped into an image.
package filemap

import (
	"cmp"
	"os"
	"path"
	"path/filepath"
	"slices"
)

// File is a mapping of a file on the host to a path in the image.
type File struct {
	ImagePath  string
	SourcePath string
	ImageMode  int64
	IsDir      bool
	Size       int64
}

// Walk the filesystem generating a filemap.
//
// Image paths are slash-separated and joined with imageBasePath, the result is sorted by image path.
func Walk(sourceBasePath, imageBasePath string) ([]File, error) {
	var filemap []File

	err := filepath.WalkDir(sourceBasePath, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(sourceBasePath, p)
		if err != nil {
			return err
		}

		if d.IsDir() && rel == "." {
			return nil
		}

		statInfo, err := d.Info()
		if err != nil {
			return err
		}

		filemap = append(filemap, File{
			ImagePath:  path.Join(imageBasePath, filepath.ToSlash(rel)),
			SourcePath: p,
			ImageMode:  int64(statInfo.Mode().Perm()),
			IsDir:      d.IsDir(),
			Size:       statInfo.Size(),
		})

		return nil
	})

	Sort(filemap)

	return filemap, err
}

// Sort the filemap by image path.
func Sort(filemap []File) {
	slices.SortFunc(filemap, func(a, b File) int { return cmp.Compare(a.ImagePath, b.ImagePath) })
}

// Files returns only the regular files of the filemap.
func Files(filemap []File) []File {
	return slices.DeleteFunc(slices.Clone(filemap), func(f File) bool { return f.IsDir })
}
