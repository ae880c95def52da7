// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package efiboot assembles the FAT image delivered as the EFI El Torito boot entry.
package efiboot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/siderolabs/gen/xerrors"

	"github.com/siderolabs/recovery-imager/pkg/blockdevice/filesystem/vfat"
	"github.com/siderolabs/recovery-imager/pkg/imager/utils"
	"github.com/siderolabs/recovery-imager/pkg/makefs"
)

const (
	// Label is the FAT volume label.
	Label = "EFIBOOT"
	// Serial is the FAT volume serial number.
	Serial = "12345678"

	// MinSize is the smallest image produced.
	MinSize int64 = 2 * humanize.MiByte
)

// ImageSize returns the image size for content of contentSize bytes.
//
// The content size plus 10% is rounded up to whole MiB, and never less than MinSize.
func ImageSize(contentSize int64) int64 {
	const mib = humanize.MiByte

	// ceil(S*11/10 / MiB) without floating point
	size := (contentSize*11 + 10*mib - 1) / (10 * mib) * mib

	return max(size, MinSize)
}

// ContentSize returns the total size of regular files under root.
func ContentSize(root string) (int64, error) {
	var total int64

	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		total += info.Size()

		return nil
	})

	return total, err
}

// Options for Assemble.
type Options struct {
	// SourceDir is the tree to put into the image, usually firmware.EFIImage.FATRoot.
	SourceDir string
	// Output is the path of the image.
	Output string
	// Executable is the slash-separated path of the EFI executable inside the image, e.g. EFI/BOOT/BOOTX64.EFI.
	Executable string

	Runner utils.Runner
	Printf func(string, ...any)
}

// Assemble builds the FAT image.
//
// Timestamps of the source tree are normalized to the build epoch, the image
// is created with a fixed label and serial, populated in sorted order, checked
// with fsck.vfat and finally read back to verify the EFI executable location.
// On failure the partial image is removed.
func Assemble(ctx context.Context, opts Options) (err error) {
	printf := opts.Printf
	if printf == nil {
		printf = utils.Discard
	}

	if err = validate(opts); err != nil {
		return err
	}

	epoch, err := utils.BuildEpoch()
	if err != nil {
		return xerrors.NewTagged[utils.InputError](err)
	}

	if err = utils.NormalizeTimes(opts.SourceDir, epoch); err != nil {
		return err
	}

	contentSize, err := ContentSize(opts.SourceDir)
	if err != nil {
		return fmt.Errorf("error calculating content size: %w", err)
	}

	size := ImageSize(contentSize)

	printf("creating %s EFI boot image for %s of content", humanize.IBytes(uint64(size)), humanize.IBytes(uint64(contentSize)))

	defer func() {
		if err != nil {
			os.Remove(opts.Output) //nolint:errcheck
		}
	}()

	if err = createSparse(opts.Output, size); err != nil {
		return err
	}

	runner := utils.DefaultRunner(opts.Runner, printf)

	makefsOpts := []makefs.Option{
		makefs.WithLabel(Label),
		makefs.WithSerial(Serial),
		makefs.WithReproducible(true),
		makefs.WithSourceDirectory(opts.SourceDir),
		makefs.WithPrintf(printf),
		makefs.WithRunFunc(runner.Run),
	}

	// mtools stamps the entries it creates with SOURCE_DATE_EPOCH
	toolCtx := utils.WithEnv(ctx, "SOURCE_DATE_EPOCH="+strconv.FormatInt(epoch.Unix(), 10))

	if err = makefs.VFAT(toolCtx, opts.Output, makefsOpts...); err != nil {
		return err
	}

	if err = makefs.VFATCheck(ctx, opts.Output, makefsOpts...); err != nil {
		return xerrors.NewTagged[utils.IntegrityError](err)
	}

	return Verify(opts.Output, opts.Executable)
}

func validate(opts Options) error {
	if opts.Output == "" {
		return xerrors.NewTaggedf[utils.InputError]("output path is required")
	}

	if opts.Executable == "" {
		return xerrors.NewTaggedf[utils.InputError]("EFI executable path is required")
	}

	st, err := os.Stat(opts.SourceDir)
	if err != nil {
		return xerrors.NewTagged[utils.InputError](fmt.Errorf("EFI source directory: %w", err))
	}

	if !st.IsDir() {
		return xerrors.NewTaggedf[utils.InputError]("EFI source %q is not a directory", opts.SourceDir)
	}

	if _, err = os.Stat(filepath.Join(opts.SourceDir, filepath.FromSlash(opts.Executable))); err != nil {
		return xerrors.NewTagged[utils.InputError](fmt.Errorf("EFI executable: %w", err))
	}

	return nil
}

func createSparse(path string, size int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	defer f.Close() //nolint:errcheck

	if err = f.Truncate(size); err != nil {
		return err
	}

	return f.Close()
}

// Verify reads the image back and checks that EFI/BOOT contains exactly one
// BOOT<ARCH>.EFI executable, the expected one.
func Verify(image, executable string) error {
	f, err := os.Open(image)
	if err != nil {
		return err
	}

	defer f.Close() //nolint:errcheck

	fsys, err := vfat.Open(f)
	if err != nil {
		return xerrors.NewTagged[utils.IntegrityError](fmt.Errorf("error reading %q: %w", image, err))
	}

	if fsys.Label() != Label {
		return xerrors.NewTaggedf[utils.IntegrityError]("unexpected volume label %q", fsys.Label())
	}

	dir, name := path.Split(executable)

	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return xerrors.NewTagged[utils.IntegrityError](fmt.Errorf("error reading %q in %q: %w", dir, image, err))
	}

	var found []string

	for _, entry := range entries {
		upper := strings.ToUpper(entry.Name)

		if !entry.IsDir && strings.HasPrefix(upper, "BOOT") && strings.HasSuffix(upper, ".EFI") {
			found = append(found, entry.Name)
		}
	}

	switch {
	case len(found) != 1:
		return xerrors.NewTaggedf[utils.IntegrityError]("expected exactly one EFI executable in %s, found %v", dir, found)
	case !strings.EqualFold(found[0], name):
		return xerrors.NewTaggedf[utils.IntegrityError]("expected EFI executable %s, found %s", name, found[0])
	}

	exe, err := fsys.Open(executable)
	if err != nil {
		return xerrors.NewTagged[utils.IntegrityError](fmt.Errorf("error opening %q: %w", executable, err))
	}

	if exe.Size() == 0 {
		return xerrors.NewTagged[utils.IntegrityError](errors.New("EFI executable is empty"))
	}

	return nil
}
