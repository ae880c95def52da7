// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package firmware

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/siderolabs/gen/xerrors"

	"github.com/siderolabs/recovery-imager/pkg/imager/grub"
	"github.com/siderolabs/recovery-imager/pkg/imager/iso"
	"github.com/siderolabs/recovery-imager/pkg/imager/utils"
)

const (
	biosPlatform = "i386-pc"

	cdbootImage = "cdboot.img"
	hybridImage = "boot_hybrid.img"
)

// BIOSModules are compiled into the core image.
//
// They are enough to find the medium and read the menu config from it.
var BIOSModules = []string{
	"biosdisk",
	"iso9660",
	"part_msdos",
	"part_gpt",
	"search",
	"search_fs_file",
	"normal",
	"configfile",
	"linux",
	"test",
	"echo",
}

// BIOSImage is the result of the BIOS sub-build.
type BIOSImage struct {
	// CoreImage is the compiled grub core image.
	CoreImage string
	// ElToritoImage is cdboot.img followed by the core image, inside StageDir at iso.ElToritoPath.
	ElToritoImage string
	// HybridMBRTemplate is an unmodified copy of boot_hybrid.img, patched by xorriso.
	// Empty unless the build is USB hybrid bootable.
	HybridMBRTemplate string
	// StageDir is merged into the root of the ISO.
	StageDir string
}

func biosBuild(opts *Options) (*platformBuild, *BIOSImage, error) {
	if opts.Arch != ArchAmd64 {
		return nil, nil, fmt.Errorf("BIOS boot is not supported on %q", opts.Arch)
	}

	workDir := filepath.Join(opts.OutputDir, "bios")

	img := &BIOSImage{
		CoreImage: filepath.Join(workDir, "core.img"),
		StageDir:  filepath.Join(workDir, "iso"),
	}

	img.ElToritoImage = filepath.Join(img.StageDir, filepath.FromSlash(iso.ElToritoPath))

	b := &platformBuild{
		platform: biosPlatform,
		prefix:   "/boot/grub",
		output:   img.CoreImage,
		extra:    []string{"--compression=auto"},
		modules:  BIOSModules,
		required: []string{cdbootImage},
		stageDir: img.StageDir,
	}

	if opts.USBHybrid {
		img.HybridMBRTemplate = filepath.Join(workDir, hybridImage)
		b.required = append(b.required, hybridImage)
	}

	return b, img, nil
}

// BuildBIOS builds the legacy BIOS boot images.
//
// The hybrid MBR template is only copied when Options.USBHybrid is set.
func BuildBIOS(ctx context.Context, opts Options) (*BIOSImage, error) {
	if err := Check(opts, TargetBIOS); err != nil {
		return nil, err
	}

	b, img, err := biosBuild(&opts)
	if err != nil {
		return nil, xerrors.NewTagged[utils.InputError](err)
	}

	if err = b.stage(&opts); err != nil {
		return nil, fmt.Errorf("error staging BIOS modules: %w", err)
	}

	if err = writeConfig(filepath.Join(img.StageDir, filepath.FromSlash(grub.ConfigPath)), opts.Config); err != nil {
		return nil, fmt.Errorf("error writing BIOS menu config: %w", err)
	}

	opts.printf("building BIOS core image")

	if err = b.mkimage(ctx, &opts); err != nil {
		return nil, err
	}

	if err = utils.ConcatFiles(opts.printf, img.ElToritoImage,
		filepath.Join(b.sourceDir(&opts), cdbootImage),
		img.CoreImage,
	); err != nil {
		return nil, fmt.Errorf("error building El Torito image: %w", err)
	}

	if img.HybridMBRTemplate != "" {
		if err = utils.CopyFiles(opts.printf,
			utils.SourceDestination(filepath.Join(b.sourceDir(&opts), hybridImage), img.HybridMBRTemplate),
		); err != nil {
			return nil, fmt.Errorf("error copying hybrid MBR template: %w", err)
		}
	}

	return img, nil
}
