// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package iso contains functions for creating ISO images.
package iso

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/siderolabs/gen/xerrors"

	"github.com/siderolabs/recovery-imager/pkg/imager/utils"
)

const (
	// ElToritoPath is the image path of the BIOS El Torito boot image.
	ElToritoPath = "boot/grub/i386-pc/eltorito.img"
	// BootCatalogPath is the image path of the El Torito boot catalog.
	BootCatalogPath = "boot/grub/boot.cat"
	// EFIBootImagePath is the image path of the EFI FAT image.
	EFIBootImagePath = "boot/grub/efiboot.img"

	// BootLoadSize is the number of virtual 512 byte sectors loaded by the BIOS.
	BootLoadSize = 4
)

// VolumeID returns a valid volume ID for the given label.
func VolumeID(label string) string {
	// builds a valid volume ID: 32 chars out of [A-Z0-9_]
	label = strings.ToUpper(label)
	label = strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '_' || r == '-' || r == '.' || r == ' ':
			return '_'
		default:
			return -1
		}
	}, label)

	if len(label) > 32 {
		label = label[:32]
	}

	return label
}

// Label returns an ISO full label for a given name and version.
func Label(name, version string) string {
	if version == "" {
		return name
	}

	return name + "-" + version
}

// Options describe the input of the ISO image.
type Options struct {
	Manifest *Manifest

	// BIOSBootable adds the BIOS El Torito entry, the manifest must contain ElToritoPath.
	BIOSBootable bool
	// EFIBootable adds the EFI El Torito entry, the manifest must contain EFIBootImagePath.
	EFIBootable bool
	// USBHybridBootable patches HybridMBRTemplate into the image, requires BIOSBootable.
	USBHybridBootable bool
	// HybridMBRTemplate is the host path of boot_hybrid.img.
	HybridMBRTemplate string

	VolumeID      string
	VolumeSet     string
	Publisher     string
	ApplicationID string

	// ScratchDir is the private workspace of the build.
	ScratchDir string
	OutPath    string

	Runner utils.Runner
	Printf func(string, ...any)
}

// CheckFlags rejects inconsistent boot flag combinations.
func (o *Options) CheckFlags() error {
	if o.USBHybridBootable && !o.BIOSBootable {
		return xerrors.NewTaggedf[utils.InputError]("usbHybridBootable requires biosBootable: the hybrid MBR boots the BIOS El Torito image")
	}

	if !o.BIOSBootable && !o.EFIBootable {
		return xerrors.NewTaggedf[utils.InputError]("at least one of biosBootable and efiBootable is required")
	}

	return nil
}

// Validate checks flags and every input path, before any tool is invoked.
//
//nolint:gocyclo
func (o *Options) Validate() error {
	if err := o.CheckFlags(); err != nil {
		return err
	}

	var result *multierror.Error

	if o.Manifest == nil {
		return xerrors.NewTaggedf[utils.InputError]("manifest is required")
	}

	if o.OutPath == "" {
		result = multierror.Append(result, errors.New("output path is required"))
	} else if st, err := os.Stat(filepath.Dir(o.OutPath)); err != nil || !st.IsDir() {
		result = multierror.Append(result, fmt.Errorf("output directory %q does not exist", filepath.Dir(o.OutPath)))
	}

	if o.ScratchDir == "" {
		result = multierror.Append(result, errors.New("scratch directory is required"))
	}

	if o.VolumeID != VolumeID(o.VolumeID) || o.VolumeID == "" {
		result = multierror.Append(result, fmt.Errorf("invalid volume ID %q", o.VolumeID))
	}

	if o.BIOSBootable {
		if entry, ok := o.Manifest.Lookup(ElToritoPath); !ok || entry.Inline {
			result = multierror.Append(result, fmt.Errorf("El Torito image %s is missing from the manifest", ElToritoPath))
		} else if err := checkWritable(entry.Source); err != nil {
			result = multierror.Append(result, fmt.Errorf("El Torito image: %w", err))
		}

		if _, ok := o.Manifest.Lookup(BootCatalogPath); ok {
			result = multierror.Append(result, fmt.Errorf("manifest conflicts with boot catalog path %s", BootCatalogPath))
		}
	}

	if o.EFIBootable {
		if _, ok := o.Manifest.Lookup(EFIBootImagePath); !ok {
			result = multierror.Append(result, fmt.Errorf("EFI boot image %s is missing from the manifest", EFIBootImagePath))
		}
	}

	if o.USBHybridBootable {
		if _, err := os.Stat(o.HybridMBRTemplate); err != nil {
			result = multierror.Append(result, fmt.Errorf("hybrid MBR template: %w", err))
		}
	}

	if err := o.Manifest.Validate(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return xerrors.NewTagged[utils.InputError](err)
	}

	return nil
}

// checkWritable verifies that the file can be patched in place.
func checkWritable(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}

	return f.Close()
}

// Arguments returns the xorriso command line writing the image to output.
func (o *Options) Arguments(output, pathList string, epoch time.Time) []string {
	args := []string{
		"-as", "mkisofs",
		"-iso-level", "3",
		"-full-iso9660-filenames",
		"-volid", o.VolumeID,
	}

	if o.VolumeSet != "" {
		args = append(args, "-volset", o.VolumeSet)
	}

	if o.Publisher != "" {
		args = append(args, "-publisher", o.Publisher)
	}

	if o.ApplicationID != "" {
		args = append(args, "-appid", o.ApplicationID)
	}

	args = append(args,
		"-joliet",
		"-joliet-long",
		"-rational-rock",
		"--gpt_disk_guid", DiskGUID(o.OutPath).String(),
		"-volume_date", "all_file_dates", "="+strconv.FormatInt(epoch.Unix(), 10),
		"-volume_date", "uuid", epoch.UTC().Format("2006010215040500"),
	)

	if o.BIOSBootable {
		args = append(args,
			"-eltorito-boot", ElToritoPath,
			"-eltorito-catalog", BootCatalogPath,
			"-no-emul-boot",
			"-boot-load-size", strconv.Itoa(BootLoadSize),
			"-boot-info-table",
			"--grub2-boot-info",
		)
	}

	if o.USBHybridBootable {
		args = append(args, "--grub2-mbr", o.HybridMBRTemplate)
	}

	if o.EFIBootable {
		args = append(args,
			"-eltorito-alt-boot",
			"-e", EFIBootImagePath,
			"-no-emul-boot",
			"-isohybrid-gpt-basdat",
		)
	}

	args = append(args,
		"-graft-points",
		"-path-list", pathList,
		"-o", output,
	)

	return args
}

// Create builds the ISO image at OutPath.
//
// The image is written to a temporary file next to OutPath and renamed
// only after it has been verified, so OutPath never holds a partial image.
func (o *Options) Create(ctx context.Context) (err error) {
	printf := o.Printf
	if printf == nil {
		printf = utils.Discard
	}

	if err = o.Validate(); err != nil {
		return err
	}

	epoch, err := utils.BuildEpoch()
	if err != nil {
		return xerrors.NewTagged[utils.InputError](err)
	}

	contentDir := filepath.Join(o.ScratchDir, "iso-inline")

	if err = os.MkdirAll(contentDir, 0o755); err != nil {
		return err
	}

	pathList := filepath.Join(o.ScratchDir, "iso-path-list")

	f, err := os.Create(pathList)
	if err != nil {
		return err
	}

	if err = o.Manifest.WritePathList(f, contentDir); err != nil {
		f.Close() //nolint:errcheck

		return fmt.Errorf("error writing path list: %w", err)
	}

	if err = f.Close(); err != nil {
		return err
	}

	tmpOutput := o.OutPath + ".partial"

	defer func() {
		if err != nil {
			os.Remove(tmpOutput) //nolint:errcheck
		}
	}()

	// stale leftover of an aborted build
	if err = os.Remove(tmpOutput); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	printf("creating ISO image %s", o.OutPath)

	runner := utils.DefaultRunner(o.Runner, printf)

	if _, err = runner.Run(ctx, "xorriso", o.Arguments(tmpOutput, pathList, epoch)...); err != nil {
		return fmt.Errorf("failed to create ISO: %w", err)
	}

	if err = Verify(tmpOutput, VerifyOptions{
		BIOSBootable:      o.BIOSBootable,
		EFIBootable:       o.EFIBootable,
		USBHybridBootable: o.USBHybridBootable,
		VolumeID:          o.VolumeID,
		MarkerPath:        o.Manifest.MarkerPath(),
	}); err != nil {
		return err
	}

	return os.Rename(tmpOutput, o.OutPath)
}
