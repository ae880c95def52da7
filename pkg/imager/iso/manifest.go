// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package iso

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/siderolabs/gen/xerrors"

	"github.com/siderolabs/recovery-imager/pkg/imager/filemap"
	"github.com/siderolabs/recovery-imager/pkg/imager/utils"
)

// ManifestEntry is a single file of the image.
//
// Either Source (a host path) or Content is set.
type ManifestEntry struct {
	Path    string
	Source  string
	Content []byte
	Inline  bool
}

// Manifest is an ordered mapping of image paths to file contents.
//
// Paths are unique, and the marker file is always present.
type Manifest struct {
	entries []ManifestEntry
	index   map[string]int
	marker  string
}

// NewManifest creates a manifest containing the zero-length marker file.
func NewManifest(markerPath string) (*Manifest, error) {
	m := &Manifest{
		index: map[string]int{},
	}

	marker, err := cleanPath(markerPath)
	if err != nil {
		return nil, err
	}

	m.marker = marker

	if err = m.AddContent(marker, nil); err != nil {
		return nil, err
	}

	return m, nil
}

func cleanPath(p string) (string, error) {
	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")

	if cleaned == "" || strings.ContainsAny(p, "\x00\n") {
		return "", xerrors.NewTaggedf[utils.InputError]("invalid image path %q", p)
	}

	return cleaned, nil
}

// MarkerPath returns the image path of the marker file, without the leading slash.
func (m *Manifest) MarkerPath() string {
	return m.marker
}

func (m *Manifest) add(entry ManifestEntry) error {
	p, err := cleanPath(entry.Path)
	if err != nil {
		return err
	}

	if _, ok := m.index[p]; ok {
		return xerrors.NewTaggedf[utils.InputError]("duplicate image path %q", p)
	}

	entry.Path = p

	m.index[p] = len(m.entries)
	m.entries = append(m.entries, entry)

	return nil
}

// Add a host file at the image path.
func (m *Manifest) Add(target, source string) error {
	return m.add(ManifestEntry{Path: target, Source: source})
}

// AddContent adds a file with inline content at the image path.
func (m *Manifest) AddContent(target string, content []byte) error {
	return m.add(ManifestEntry{Path: target, Content: content, Inline: true})
}

// AddTree adds every file below sourceDir under targetDir, in path order.
func (m *Manifest) AddTree(targetDir, sourceDir string) error {
	fm, err := filemap.Walk(sourceDir, targetDir)
	if err != nil {
		return xerrors.NewTagged[utils.InputError](fmt.Errorf("error walking %q: %w", sourceDir, err))
	}

	for _, f := range filemap.Files(fm) {
		if err = m.Add(f.ImagePath, f.SourcePath); err != nil {
			return err
		}
	}

	return nil
}

// Lookup returns the entry at the image path.
func (m *Manifest) Lookup(p string) (ManifestEntry, bool) {
	cleaned, err := cleanPath(p)
	if err != nil {
		return ManifestEntry{}, false
	}

	idx, ok := m.index[cleaned]
	if !ok {
		return ManifestEntry{}, false
	}

	return m.entries[idx], true
}

// Entries returns the entries in insertion order.
func (m *Manifest) Entries() []ManifestEntry {
	return append([]ManifestEntry(nil), m.entries...)
}

// Validate checks that every host file referenced by the manifest exists.
func (m *Manifest) Validate() error {
	var result *multierror.Error

	for _, entry := range m.entries {
		if entry.Inline {
			continue
		}

		st, err := os.Stat(entry.Source)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", entry.Path, err))

			continue
		}

		if !st.Mode().IsRegular() {
			result = multierror.Append(result, fmt.Errorf("%s: source %q is not a regular file", entry.Path, entry.Source))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return xerrors.NewTagged[utils.InputError](err)
	}

	return nil
}

// WritePathList writes the xorriso -path-list file.
//
// Inline contents are materialized as files in contentDir.
func (m *Manifest) WritePathList(w io.Writer, contentDir string) error {
	bw := bufio.NewWriter(w)

	for i, entry := range m.entries {
		source := entry.Source

		if entry.Inline {
			source = filepath.Join(contentDir, "inline-"+strconv.Itoa(i))

			if err := os.WriteFile(source, entry.Content, 0o644); err != nil {
				return err
			}
		}

		if _, err := fmt.Fprintf(bw, "/%s=%s\n", escapePathspec(entry.Path), escapePathspec(source)); err != nil {
			return err
		}
	}

	return bw.Flush()
}

func escapePathspec(s string) string {
	return strings.NewReplacer(`\`, `\\`, `=`, `\=`).Replace(s)
}
