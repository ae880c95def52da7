// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//nolint:revive
package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/siderolabs/gen/pair/ordered"
)

// CopyInstruction describes a file copy operation.
type CopyInstruction = ordered.Pair[string, string]

// SourceDestination returns a CopyInstruction that copies src to dest.
func SourceDestination(src, dest string) CopyInstruction {
	return ordered.MakePair(src, dest)
}

// CopyFiles copies files according to the given instructions.
//
// Destination files are always created fresh and writable, even if the source is read-only:
// some artifacts (El Torito boot images) are patched in place later on.
func CopyFiles(printf func(string, ...any), instructions ...CopyInstruction) error {
	for _, instruction := range instructions {
		if err := copyFile(printf, instruction.F1, instruction.F2); err != nil {
			return fmt.Errorf("error copying %s -> %s: %w", instruction.F1, instruction.F2, err)
		}
	}

	return nil
}

func copyFile(printf func(string, ...any), src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	printf("copying %s to %s", src, dest)

	from, err := os.Open(src)
	if err != nil {
		return err
	}

	defer from.Close() //nolint:errcheck

	to, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	defer to.Close() //nolint:errcheck

	if _, err = io.Copy(to, from); err != nil {
		return err
	}

	return to.Close()
}

// ConcatFiles writes the contents of all sources into dest, in order, without any padding.
func ConcatFiles(printf func(string, ...any), dest string, sources ...string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	to, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	defer to.Close() //nolint:errcheck

	for _, src := range sources {
		printf("appending %s to %s", src, dest)

		if err = appendFile(to, src); err != nil {
			return fmt.Errorf("error appending %s -> %s: %w", src, dest, err)
		}
	}

	return to.Close()
}

func appendFile(w io.Writer, src string) error {
	from, err := os.Open(src)
	if err != nil {
		return err
	}

	defer from.Close() //nolint:errcheck

	_, err = io.Copy(w, from)

	return err
}
