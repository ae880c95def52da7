// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package imager

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/siderolabs/gen/xerrors"
	"go.uber.org/zap"

	"github.com/siderolabs/recovery-imager/pkg/imager/grub"
	"github.com/siderolabs/recovery-imager/pkg/imager/iso"
	"github.com/siderolabs/recovery-imager/pkg/imager/profile"
	"github.com/siderolabs/recovery-imager/pkg/imager/utils"
)

// BuildProductsFile lists the produced artifacts, one "file iso <path>" line each.
const BuildProductsFile = "build-products"

// ApplicationID is the default ISO application ID.
const ApplicationID = "recovery-imager"

func (i *Imager) buildManifest() (*iso.Manifest, error) {
	m, err := iso.NewManifest(i.prof.Menu.MarkerPath)
	if err != nil {
		return nil, err
	}

	if bios := i.firmware.BIOS; bios != nil {
		if err = m.AddTree("", bios.StageDir); err != nil {
			return nil, err
		}
	}

	if efi := i.firmware.EFI; efi != nil {
		for _, tree := range []string{efi.StageDir, efi.FATRoot} {
			if err = m.AddTree("", tree); err != nil {
				return nil, err
			}
		}

		if err = m.Add(iso.EFIBootImagePath, i.efiBootImage); err != nil {
			return nil, err
		}
	}

	configurations := append(
		[]profile.Specialisation{{Configuration: i.prof.Input.Configuration}},
		i.prof.Input.Specialisations...,
	)

	for _, c := range configurations {
		kernel, initrd := assetPaths(i.prof.Arch, c.Name)

		if err = m.Add(kernel, c.Kernel.Path); err != nil {
			return nil, err
		}

		if err = m.Add(initrd, c.Initrd.Path); err != nil {
			return nil, err
		}
	}

	if i.theme != nil {
		if err = m.AddTree(grub.ThemePath, i.theme.Dir); err != nil {
			return nil, err
		}
	}

	if splash := i.splashPath(); splash != "" {
		if err = m.Add(splash, i.prof.Menu.Splash); err != nil {
			return nil, err
		}
	}

	for _, extra := range i.prof.Input.ExtraContents {
		st, statErr := os.Stat(extra.Source)
		if statErr != nil {
			return nil, xerrors.NewTaggedf[utils.InputError]("extra content: %w", statErr)
		}

		if st.IsDir() {
			err = m.AddTree(extra.Target, extra.Source)
		} else {
			err = m.Add(extra.Target, extra.Source)
		}

		if err != nil {
			return nil, fmt.Errorf("extra content %q: %w", extra.Target, err)
		}
	}

	return m, nil
}

func (i *Imager) outISO(ctx context.Context, path string) error {
	manifest, err := i.buildManifest()
	if err != nil {
		return err
	}

	opts := iso.Options{
		Manifest:          manifest,
		BIOSBootable:      i.prof.Output.BIOS(),
		EFIBootable:       i.prof.Output.EFI(),
		USBHybridBootable: i.prof.Output.USBHybrid(),
		VolumeID:          iso.VolumeID(i.prof.Label()),
		VolumeSet:         i.prof.Name,
		Publisher:         i.prof.Publisher,
		ApplicationID:     i.prof.ApplicationID,
		ScratchDir:        filepath.Join(i.tempDir, "iso"),
		OutPath:           path,
		Runner:            i.runner,
		Printf:            i.printf,
	}

	if opts.ApplicationID == "" {
		opts.ApplicationID = ApplicationID
	}

	if i.firmware.BIOS != nil {
		opts.HybridMBRTemplate = i.firmware.BIOS.HybridMBRTemplate
	}

	if err = os.MkdirAll(opts.ScratchDir, 0o755); err != nil {
		return err
	}

	if err = opts.Create(ctx); err != nil {
		return err
	}

	st, err := os.Stat(path)
	if err != nil {
		return err
	}

	i.logger.Info("ISO image created",
		zap.String("path", path),
		zap.String("size", humanize.IBytes(uint64(st.Size()))),
		zap.Int("files", len(manifest.Entries())),
	)

	return nil
}

// writeBuildProducts writes the build products file.
//
// The file is replaced atomically, a failed write leaves no partial file behind.
func writeBuildProducts(path string, products []string) (err error) {
	tmpPath := path + ".partial"

	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			os.Remove(tmpPath) //nolint:errcheck
		}
	}()

	w := bufio.NewWriter(f)

	for _, product := range products {
		fmt.Fprintf(w, "file iso %s\n", product)
	}

	if err = w.Flush(); err != nil {
		f.Close() //nolint:errcheck

		return err
	}

	if err = f.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
