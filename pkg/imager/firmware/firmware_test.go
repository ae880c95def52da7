// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package firmware_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/siderolabs/gen/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/recovery-imager/pkg/imager/firmware"
	"github.com/siderolabs/recovery-imager/pkg/imager/grub"
	"github.com/siderolabs/recovery-imager/pkg/imager/utils"
)

// runtimeModules are loaded by the generated menu config.
var runtimeModules = []string{"font", "all_video", "gfxterm", "gfxterm_background", "png", "jpeg", "gfxmenu"}

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	r.mu.Unlock()

	for _, arg := range args {
		if output, ok := strings.CutPrefix(arg, "--output="); ok {
			return "", os.WriteFile(output, []byte("image:"+strings.Join(args, " ")), 0o644)
		}
	}

	return "", nil
}

func (r *fakeRunner) commands(platform string) [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result [][]string

	for _, call := range r.calls {
		if slices.Contains(call, "--format="+platform) {
			result = append(result, call)
		}
	}

	return result
}

func grubDir(t *testing.T, withUGA bool, skip ...string) string {
	t.Helper()

	dir := t.TempDir()

	write := func(platform, name, contents string) {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, platform), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, platform, name), []byte(contents), 0o644))
	}

	modules := func(platform string, names ...string) {
		for _, name := range names {
			if slices.Contains(skip, name) {
				continue
			}

			write(platform, name+".mod", platform+"/"+name)
		}

		write(platform, "moddep.lst", "")
		write(platform, "README", "not staged")
	}

	modules("i386-pc", append(slices.Clone(firmware.BIOSModules), runtimeModules...)...)
	for name, contents := range map[string]string{"cdboot.img": "CDBOOT", "boot_hybrid.img": "HYBRID"} {
		if !slices.Contains(skip, name) {
			write("i386-pc", name, contents)
		}
	}

	modules("x86_64-efi", append(slices.Clone(firmware.EFIModules), runtimeModules...)...)

	if withUGA {
		write("x86_64-efi", "efi_uga.mod", "uga")
	}

	return dir
}

func menuConfig(t *testing.T) []byte {
	t.Helper()

	cfg := grub.Config{
		Tree: grub.ConfigurationTree{
			Root: grub.MenuEntry{Name: "Recovery", Kernel: "/boot/bzImage", Initrd: "/boot/initrd"},
		},
		Theme:      &grub.Theme{Fonts: []string{"unicode.pf2"}},
		Options:    grub.DefaultOptionVariants,
		MarkerPath: grub.DefaultMarkerPath,
	}

	b, err := cfg.Bytes()
	require.NoError(t, err)

	return b
}

func testOptions(t *testing.T, grubDir string, runner utils.Runner) firmware.Options {
	return firmware.Options{
		Arch:      firmware.ArchAmd64,
		GrubDir:   grubDir,
		Config:    menuConfig(t),
		OutputDir: t.TempDir(),
		USBHybrid: true,
		Runner:    runner,
		Printf:    t.Logf,
	}
}

func TestBuild(t *testing.T) {
	runner := &fakeRunner{}
	dir := grubDir(t, true)
	opts := testOptions(t, dir, runner)

	result, err := firmware.Build(t.Context(), opts, firmware.TargetBIOS, firmware.TargetEFI)
	require.NoError(t, err)

	// BIOS
	require.NotNil(t, result.BIOS)

	bios := runner.commands("i386-pc")
	require.Len(t, bios, 1)
	assert.Equal(t, append([]string{
		"grub-mkimage",
		"--directory=" + filepath.Join(dir, "i386-pc"),
		"--format=i386-pc",
		"--compression=auto",
		"--prefix=/boot/grub",
		"--output=" + result.BIOS.CoreImage,
	}, firmware.BIOSModules...), bios[0])

	core, err := os.ReadFile(result.BIOS.CoreImage)
	require.NoError(t, err)

	eltorito, err := os.ReadFile(result.BIOS.ElToritoImage)
	require.NoError(t, err)
	assert.Equal(t, append([]byte("CDBOOT"), core...), eltorito)
	assert.Equal(t, filepath.Join(result.BIOS.StageDir, "boot/grub/i386-pc/eltorito.img"), result.BIOS.ElToritoImage)

	st, err := os.Stat(result.BIOS.ElToritoImage)
	require.NoError(t, err)
	assert.NotZero(t, st.Mode().Perm()&0o200, "El Torito image must be writable")

	hybrid, err := os.ReadFile(result.BIOS.HybridMBRTemplate)
	require.NoError(t, err)
	assert.Equal(t, "HYBRID", string(hybrid))

	assert.FileExists(t, filepath.Join(result.BIOS.StageDir, "boot/grub/i386-pc/gfxterm.mod"))
	assert.FileExists(t, filepath.Join(result.BIOS.StageDir, "boot/grub/i386-pc/moddep.lst"))
	assert.NoFileExists(t, filepath.Join(result.BIOS.StageDir, "boot/grub/i386-pc/README"))

	cfg, err := os.ReadFile(filepath.Join(result.BIOS.StageDir, "boot/grub/grub.cfg"))
	require.NoError(t, err)
	assert.Equal(t, opts.Config, cfg)

	// EFI
	require.NotNil(t, result.EFI)

	efi := runner.commands("x86_64-efi")
	require.Len(t, efi, 1)
	assert.Equal(t, "--prefix=/EFI/BOOT", efi[0][3])
	assert.Equal(t, "--output="+result.EFI.Executable, efi[0][4])
	assert.Contains(t, efi[0], "efi_gop")
	assert.Contains(t, efi[0], "efifwsetup")
	assert.Contains(t, efi[0], "efi_uga")

	assert.Equal(t, filepath.Join(result.EFI.FATRoot, "EFI/BOOT/BOOTX64.EFI"), result.EFI.Executable)
	assert.FileExists(t, result.EFI.Executable)
	assert.FileExists(t, filepath.Join(result.EFI.FATRoot, "EFI/BOOT/grub.cfg"))
	assert.FileExists(t, filepath.Join(result.EFI.StageDir, "boot/grub/x86_64-efi/gfxmenu.mod"))
}

func TestBuildEFIWithoutUGA(t *testing.T) {
	runner := &fakeRunner{}

	var messages []string

	opts := testOptions(t, grubDir(t, false), runner)
	opts.Printf = func(format string, args ...any) {
		messages = append(messages, format)
	}

	img, err := firmware.BuildEFI(t.Context(), opts)
	require.NoError(t, err)
	assert.FileExists(t, img.Executable)

	efi := runner.commands("x86_64-efi")
	require.Len(t, efi, 1)
	assert.NotContains(t, efi[0], "efi_uga")
	assert.Contains(t, efi[0], "efi_gop")

	assert.Contains(t, messages, "warning: optional module %s not found in %s, skipping")
}

func TestBuildMissingModule(t *testing.T) {
	for _, test := range []struct {
		name   string
		target firmware.Target
		skip   string
	}{
		{"compiled-in", firmware.TargetBIOS, "biosdisk"},
		{"runtime", firmware.TargetBIOS, "gfxmenu"},
		{"efi runtime", firmware.TargetEFI, "all_video"},
	} {
		t.Run(test.name, func(t *testing.T) {
			runner := &fakeRunner{}

			_, err := firmware.Build(t.Context(), testOptions(t, grubDir(t, true, test.skip), runner), test.target)
			require.Error(t, err)

			assert.True(t, xerrors.TagIs[utils.InputError](err))
			assert.Contains(t, err.Error(), test.skip)
			assert.Empty(t, runner.calls)
		})
	}
}

func TestBuildInputErrors(t *testing.T) {
	runner := &fakeRunner{}

	opts := testOptions(t, filepath.Join(t.TempDir(), "missing"), runner)

	_, err := firmware.Build(t.Context(), opts, firmware.TargetBIOS, firmware.TargetEFI)
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[utils.InputError](err))

	opts = testOptions(t, grubDir(t, true), runner)
	opts.Arch = firmware.ArchArm64

	_, err = firmware.BuildBIOS(t.Context(), opts)
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[utils.InputError](err))

	_, err = firmware.Build(t.Context(), opts)
	require.Error(t, err)

	assert.Empty(t, runner.calls)
}

func TestBuildMissingBootImage(t *testing.T) {
	runner := &fakeRunner{}

	_, err := firmware.Build(t.Context(), testOptions(t, grubDir(t, true, "cdboot.img"), runner), firmware.TargetBIOS, firmware.TargetEFI)
	require.Error(t, err)

	assert.True(t, xerrors.TagIs[utils.InputError](err))
	assert.Contains(t, err.Error(), "cdboot.img")

	// the EFI sub-build is not started either
	assert.Empty(t, runner.calls)
}

func TestBuildBIOSWithoutHybrid(t *testing.T) {
	runner := &fakeRunner{}
	dir := grubDir(t, true, "boot_hybrid.img")

	opts := testOptions(t, dir, runner)

	_, err := firmware.BuildBIOS(t.Context(), opts)
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[utils.InputError](err))
	assert.Contains(t, err.Error(), "boot_hybrid.img")
	assert.Empty(t, runner.calls)

	opts.USBHybrid = false

	img, err := firmware.BuildBIOS(t.Context(), opts)
	require.NoError(t, err)

	assert.Empty(t, img.HybridMBRTemplate)
	assert.FileExists(t, img.ElToritoImage)
	assert.Len(t, runner.commands("i386-pc"), 1)
}

func TestEFIExecutablePath(t *testing.T) {
	p, err := firmware.EFIExecutablePath(firmware.ArchAmd64)
	require.NoError(t, err)
	assert.Equal(t, "EFI/BOOT/BOOTX64.EFI", p)

	p, err = firmware.EFIExecutablePath(firmware.ArchArm64)
	require.NoError(t, err)
	assert.Equal(t, "EFI/BOOT/BOOTAA64.EFI", p)

	_, err = firmware.EFIExecutablePath("riscv64")
	require.Error(t, err)
}

func TestTargetString(t *testing.T) {
	assert.Equal(t, "bios", firmware.TargetBIOS.String())
	assert.Equal(t, "efi", firmware.TargetEFI.String())
}
