// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package iso

import (
	"fmt"
	"os"
	"path"
	"strings"
	"unicode"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/siderolabs/gen/xerrors"

	"github.com/siderolabs/recovery-imager/pkg/imager/utils"
)

// VerifyOptions are the properties an image is expected to have.
type VerifyOptions struct {
	BIOSBootable      bool
	EFIBootable       bool
	USBHybridBootable bool
	VolumeID          string
	MarkerPath        string
}

// Verify checks the boot structures and the filesystem of a finished image.
func Verify(image string, opts VerifyOptions) error {
	if err := verifyBootInfo(image, opts); err != nil {
		return xerrors.NewTagged[utils.IntegrityError](fmt.Errorf("%s: %w", image, err))
	}

	if err := verifyFilesystem(image, opts); err != nil {
		return xerrors.NewTagged[utils.IntegrityError](fmt.Errorf("%s: %w", image, err))
	}

	return nil
}

//nolint:gocyclo
func verifyBootInfo(image string, opts VerifyOptions) error {
	f, err := os.Open(image)
	if err != nil {
		return err
	}

	defer f.Close() //nolint:errcheck

	info, err := Inspect(f)
	if err != nil {
		return err
	}

	if opts.VolumeID != "" && info.VolumeID != opts.VolumeID {
		return fmt.Errorf("volume ID %q, expected %q", info.VolumeID, opts.VolumeID)
	}

	var expected []Platform

	if opts.BIOSBootable {
		expected = append(expected, PlatformBIOS)
	}

	if opts.EFIBootable {
		expected = append(expected, PlatformEFI)
	}

	if len(info.Entries) != len(expected) {
		return fmt.Errorf("boot catalog has %d entries, expected %d", len(info.Entries), len(expected))
	}

	for i, entry := range info.Entries {
		if entry.Platform != expected[i] {
			return fmt.Errorf("boot entry %d is for %s, expected %s", i, entry.Platform, expected[i])
		}

		if !entry.Bootable || !entry.NoEmulation {
			return fmt.Errorf("boot entry %d is not a bootable no-emulation entry", i)
		}

		if entry.Platform == PlatformBIOS && entry.LoadSectors != BootLoadSize {
			return fmt.Errorf("BIOS boot entry loads %d sectors, expected %d", entry.LoadSectors, BootLoadSize)
		}
	}

	return VerifyPartitions(image, info, opts)
}

func verifyFilesystem(image string, opts VerifyOptions) error {
	d, err := diskfs.Open(image, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return fmt.Errorf("error opening image: %w", err)
	}

	defer d.Close() //nolint:errcheck

	fs, err := d.GetFilesystem(0)
	if err != nil {
		return fmt.Errorf("error reading filesystem: %w", err)
	}

	if fs.Type() != filesystem.TypeISO9660 {
		return fmt.Errorf("unexpected filesystem type %v", fs.Type())
	}

	if opts.MarkerPath == "" {
		return nil
	}

	dir, name := path.Split("/" + opts.MarkerPath)

	entries, err := fs.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("error reading %q: %w", dir, err)
	}

	for _, entry := range entries {
		if normalizeName(entry.Name()) == normalizeName(name) {
			return nil
		}
	}

	return fmt.Errorf("marker file %q not found", opts.MarkerPath)
}

// normalizeName drops everything but letters and digits, so that Rock Ridge
// and plain ISO9660 renderings of a name compare equal.
func normalizeName(name string) string {
	name, _, _ = strings.Cut(name, ";")

	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}

		return -1
	}, name)
}
