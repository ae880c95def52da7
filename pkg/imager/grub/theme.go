// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package grub

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/gobwas/glob"
)

var (
	fontGlob   = glob.MustCompile("**.pf2", '/')
	bitmapGlob = glob.MustCompile("**.{png,jpg,jpeg,tga}", '/')
)

const (
	themeFile      = "theme.txt"
	backgroundBase = "background"
)

// Theme is the result of scanning a theme directory.
//
// All paths are slash-separated and relative to the theme directory.
type Theme struct {
	Dir        string
	Fonts      []string
	Bitmaps    []string
	ThemeFile  bool
	Background string
}

// ScanTheme walks the theme directory collecting fonts and bitmaps.
//
// A missing directory is not an error: nil is returned and the menu falls back to plain colors.
func ScanTheme(dir string) (*Theme, error) {
	if dir == "" {
		return nil, nil
	}

	st, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("error reading theme directory: %w", err)
	}

	if !st.IsDir() {
		return nil, fmt.Errorf("theme path %q is not a directory", dir)
	}

	theme := &Theme{Dir: dir}

	if err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		rel = filepath.ToSlash(rel)

		switch {
		case rel == themeFile:
			theme.ThemeFile = true
		case fontGlob.Match(rel):
			theme.Fonts = append(theme.Fonts, rel)
		case bitmapGlob.Match(rel):
			theme.Bitmaps = append(theme.Bitmaps, rel)
		}

		return nil
	}); err != nil {
		return nil, fmt.Errorf("error scanning theme directory: %w", err)
	}

	slices.Sort(theme.Fonts)
	slices.Sort(theme.Bitmaps)

	theme.Background = pickBackground(theme.Bitmaps)

	return theme, nil
}

// pickBackground prefers a top-level background.* bitmap, then the first bitmap found.
func pickBackground(bitmaps []string) string {
	for _, bitmap := range bitmaps {
		if filepath.Dir(bitmap) == "." && bitmap[:len(bitmap)-len(filepath.Ext(bitmap))] == backgroundBase {
			return bitmap
		}
	}

	if len(bitmaps) > 0 {
		return bitmaps[0]
	}

	return ""
}
