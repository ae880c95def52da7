// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package firmware

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/siderolabs/gen/xerrors"

	"github.com/siderolabs/recovery-imager/pkg/imager/grub"
	"github.com/siderolabs/recovery-imager/pkg/imager/utils"
)

// EFIModules are compiled into the EFI executable.
//
// efi_gop and efifwsetup are always present, efi_uga is added when the distribution ships it.
var EFIModules = []string{
	"fat",
	"iso9660",
	"part_gpt",
	"part_msdos",
	"normal",
	"boot",
	"linux",
	"configfile",
	"loopback",
	"chain",
	"halt",
	"reboot",
	"efifwsetup",
	"efi_gop",
	"serial",
	"ls",
	"search",
	"search_label",
	"search_fs_uuid",
	"search_fs_file",
	"echo",
	"gfxmenu",
	"gfxterm",
	"gfxterm_background",
	"gfxterm_menu",
	"test",
	"loadenv",
	"font",
	"png",
	"jpeg",
}

// OptionalEFIModule is the legacy graphics module, looked up by exact file name.
const OptionalEFIModule = "efi_uga"

// EFIImage is the result of the EFI sub-build.
type EFIImage struct {
	// Executable is EFI/BOOT/BOOT<ARCH>.EFI inside FATRoot.
	Executable string
	// FATRoot is the tree which becomes the EFI system partition image.
	FATRoot string
	// StageDir is merged into the root of the ISO.
	StageDir string
}

type efiArch struct {
	platform   string
	executable string
}

var efiArchs = map[string]efiArch{
	ArchAmd64: {platform: "x86_64-efi", executable: "BOOTX64.EFI"},
	ArchArm64: {platform: "arm64-efi", executable: "BOOTAA64.EFI"},
}

// EFIExecutablePath returns the firmware default removable media path for the arch.
func EFIExecutablePath(arch string) (string, error) {
	a, ok := efiArchs[arch]
	if !ok {
		return "", xerrors.NewTaggedf[utils.InputError]("unsupported architecture %q", arch)
	}

	return "EFI/BOOT/" + a.executable, nil
}

func efiBuild(opts *Options) (*platformBuild, *EFIImage, error) {
	arch, ok := efiArchs[opts.Arch]
	if !ok {
		return nil, nil, fmt.Errorf("unsupported architecture %q", opts.Arch)
	}

	workDir := filepath.Join(opts.OutputDir, "efi")

	img := &EFIImage{
		FATRoot:  filepath.Join(workDir, "fat"),
		StageDir: filepath.Join(workDir, "iso"),
	}

	img.Executable = filepath.Join(img.FATRoot, "EFI", "BOOT", arch.executable)

	b := &platformBuild{
		platform: arch.platform,
		prefix:   "/EFI/BOOT",
		output:   img.Executable,
		modules:  slices.Clone(EFIModules),
		stageDir: img.StageDir,
	}

	// exact file name lookup, absence is not an error
	if _, err := os.Stat(filepath.Join(b.sourceDir(opts), OptionalEFIModule+".mod")); err == nil {
		b.modules = append(b.modules, OptionalEFIModule)
	}

	return b, img, nil
}

// BuildEFI builds the EFI executable.
func BuildEFI(ctx context.Context, opts Options) (*EFIImage, error) {
	if err := Check(opts, TargetEFI); err != nil {
		return nil, err
	}

	b, img, err := efiBuild(&opts)
	if err != nil {
		return nil, xerrors.NewTagged[utils.InputError](err)
	}

	if !slices.Contains(b.modules, OptionalEFIModule) {
		opts.printf("warning: optional module %s not found in %s, skipping", OptionalEFIModule, b.sourceDir(&opts))
	}

	if err = b.stage(&opts); err != nil {
		return nil, fmt.Errorf("error staging EFI modules: %w", err)
	}

	if err = writeConfig(filepath.Join(img.FATRoot, filepath.FromSlash(grub.EFIConfigPath)), opts.Config); err != nil {
		return nil, fmt.Errorf("error writing EFI menu config: %w", err)
	}

	opts.printf("building EFI executable %s", filepath.Base(img.Executable))

	if err = b.mkimage(ctx, &opts); err != nil {
		return nil, err
	}

	return img, nil
}
