// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package profile_test

import (
	"bytes"
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/siderolabs/gen/xerrors"
	"github.com/siderolabs/go-pointer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/recovery-imager/pkg/imager/grub"
	"github.com/siderolabs/recovery-imager/pkg/imager/profile"
	"github.com/siderolabs/recovery-imager/pkg/imager/utils"
)

//go:embed testdata/profile.yaml
var profileYAML []byte

func validProfile() profile.Profile {
	prof := profile.Default("amd64")
	prof.Input.Configuration = profile.Configuration{
		Title:  "Recovery",
		Kernel: profile.FileAsset{Path: "/build/bzImage"},
		Initrd: profile.FileAsset{Path: "/build/initrd"},
	}

	return prof
}

func TestRead(t *testing.T) {
	t.Parallel()

	prof, err := profile.Read(bytes.NewReader(profileYAML), "arm64")
	require.NoError(t, err)

	prof.FillDefaults()
	require.NoError(t, prof.Validate())

	assert.Equal(t, "amd64", prof.Arch)
	assert.Equal(t, grub.TimeoutForever, prof.Menu.Timeout)
	assert.Equal(t, grub.DefaultMarkerPath, prof.Menu.MarkerPath)
	assert.Equal(t, profile.OutFormatZSTD, prof.Output.OutFormat)
	assert.True(t, prof.Output.BIOS())
	assert.True(t, prof.Output.EFI())
	assert.True(t, prof.Output.USBHybrid())

	require.Len(t, prof.Input.Specialisations, 1)
	assert.Equal(t, "debug", prof.Input.Specialisations[0].Name)
	assert.Equal(t, "/build/debug/bzImage", prof.Input.Specialisations[0].Kernel.Path)

	args, err := prof.KernelArgs(prof.Input.Configuration)
	require.NoError(t, err)
	assert.Equal(t, []string{"quiet", "init=/init", "console=tty0"}, args)
	assert.Equal(t, "recovery-v1.2.0", prof.Label())
	assert.Equal(t, "recovery-v1.2.0-amd64.iso", prof.OutputPath())
}

func TestReadDefaults(t *testing.T) {
	t.Parallel()

	prof, err := profile.Read(strings.NewReader(""), "arm64")
	require.NoError(t, err)

	assert.Equal(t, "arm64", prof.Arch)
	assert.Equal(t, grub.TimeoutSeconds(10), prof.Menu.Timeout)

	prof.FillDefaults()

	assert.False(t, prof.Output.BIOS())
	assert.False(t, prof.Output.USBHybrid())
	assert.True(t, prof.Output.EFI())
}

func TestReadUnknownField(t *testing.T) {
	t.Parallel()

	_, err := profile.Read(strings.NewReader("secureboot: true\n"), "amd64")
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[utils.InputError](err))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name   string
		modify func(*profile.Profile)

		expectedErrors []string
	}{
		{
			name:   "valid",
			modify: func(*profile.Profile) {},
		},
		{
			name: "usb hybrid without bios",
			modify: func(p *profile.Profile) {
				p.Output.BIOSBootable = pointer.To(false)
				p.Output.USBHybridBootable = pointer.To(true)
			},
			expectedErrors: []string{"usbHybridBootable requires biosBootable"},
		},
		{
			name: "bios on arm64",
			modify: func(p *profile.Profile) {
				p.Arch = "arm64"
				p.Output.BIOSBootable = pointer.To(true)
			},
			expectedErrors: []string{"biosBootable is not supported on arm64"},
		},
		{
			name: "nothing bootable",
			modify: func(p *profile.Profile) {
				p.Output.BIOSBootable = pointer.To(false)
				p.Output.EFIBootable = pointer.To(false)
			},
			expectedErrors: []string{"at least one of biosBootable and efiBootable is required"},
		},
		{
			name: "all problems reported",
			modify: func(p *profile.Profile) {
				p.Name = ""
				p.Arch = "riscv64"
				p.Input.Configuration = profile.Configuration{}
				p.Input.Specialisations = []profile.Specialisation{
					{Name: "a/b", Configuration: validProfile().Input.Configuration},
				}
			},
			expectedErrors: []string{
				"name is required",
				`invalid arch "riscv64"`,
				"configuration: title is required",
				"configuration: kernel.path is required",
				"configuration: initrd.path is required",
				`specialisations[0]: name "a/b" must be a single path element`,
			},
		},
		{
			name: "duplicate specialisation",
			modify: func(p *profile.Profile) {
				cfg := validProfile().Input.Configuration

				p.Input.Specialisations = []profile.Specialisation{
					{Name: "debug", Configuration: cfg},
					{Name: "debug", Configuration: cfg},
				}
			},
			expectedErrors: []string{`specialisations[1]: duplicate name "debug"`},
		},
		{
			name: "relative marker",
			modify: func(p *profile.Profile) {
				p.Menu.MarkerPath = "marker"
			},
			expectedErrors: []string{`menu.markerPath "marker" must be absolute`},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			prof := validProfile()
			test.modify(&prof)
			prof.FillDefaults()

			err := prof.Validate()

			if test.expectedErrors == nil {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.True(t, xerrors.TagIs[utils.InputError](err))

			for _, expected := range test.expectedErrors {
				assert.ErrorContains(t, err, expected)
			}
		})
	}
}

func TestKernelArgsOverwrite(t *testing.T) {
	t.Parallel()

	prof := validProfile()
	prof.Input.Configuration.KernelArgs = []string{"console=ttyS0", "init=/init", "console=tty1"}
	prof.Customization.ExtraKernelArgs = []string{"console=tty0", "panic=10"}

	args, err := prof.KernelArgs(prof.Input.Configuration)
	require.NoError(t, err)

	assert.Equal(t, []string{"init=/init", "console=tty0", "panic=10"}, args)
}

func TestKernelArgsOrder(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name     string
		quiet    bool
		args     []string
		extra    []string
		expected []string
	}{
		{
			name:     "declaration order",
			args:     []string{"a=1", "b", "a=2"},
			expected: []string{"a=1", "b", "a=2"},
		},
		{
			name:     "quiet already present",
			quiet:    true,
			args:     []string{"quiet", "splash"},
			expected: []string{"quiet", "splash"},
		},
		{
			name:     "quiet prepended",
			quiet:    true,
			args:     []string{"splash"},
			expected: []string{"quiet", "splash"},
		},
		{
			name:     "quiet from extra args",
			quiet:    true,
			args:     []string{"splash"},
			extra:    []string{"quiet"},
			expected: []string{"splash", "quiet"},
		},
		{
			name:     "repeated key kept in place",
			quiet:    true,
			args:     []string{"console=tty0", "debug", "console=ttyS0,115200"},
			expected: []string{"quiet", "console=tty0", "debug", "console=ttyS0,115200"},
		},
		{
			name:     "overwritten key",
			args:     []string{"console=tty0", "debug", "console=ttyS0,115200"},
			extra:    []string{"console=ttyS1"},
			expected: []string{"debug", "console=ttyS1"},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			prof := validProfile()
			prof.Customization.Quiet = pointer.To(test.quiet)
			prof.Customization.ExtraKernelArgs = test.extra
			prof.Input.Configuration.KernelArgs = test.args

			args, err := prof.KernelArgs(prof.Input.Configuration)
			require.NoError(t, err)

			assert.Equal(t, test.expected, args)
		})
	}
}

func TestCheckInputs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	write := func(name string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(name), 0o644))

		return path
	}

	prof := validProfile()
	prof.Input.GrubDir = t.TempDir()
	prof.Input.Configuration.Kernel.Path = write("bzImage")
	prof.Input.Configuration.Initrd.Path = write("initrd")
	prof.Input.ExtraContents = []profile.ExtraContent{{Source: dir, Target: "extra"}}

	require.NoError(t, prof.CheckInputs())

	prof.Input.Specialisations = []profile.Specialisation{
		{
			Name: "debug",
			Configuration: profile.Configuration{
				Title:  "Recovery (debug)",
				Kernel: profile.FileAsset{Path: filepath.Join(dir, "missing", "bzImage")},
				Initrd: profile.FileAsset{Path: dir},
			},
		},
	}
	prof.Menu.Splash = filepath.Join(dir, "splash.png")
	prof.Input.GrubDir = filepath.Join(dir, "grub")

	err := prof.CheckInputs()
	require.Error(t, err)

	assert.True(t, xerrors.TagIs[utils.InputError](err))

	for _, field := range []string{"specialisations[0].kernel", "specialisations[0].initrd", "menu.splash", "input.grubDir"} {
		assert.Contains(t, err.Error(), field)
	}

	assert.NotContains(t, err.Error(), "configuration.kernel")
}

func TestDump(t *testing.T) {
	t.Parallel()

	prof, err := profile.Read(bytes.NewReader(profileYAML), "amd64")
	require.NoError(t, err)

	var buf bytes.Buffer

	require.NoError(t, prof.Dump(&buf))

	reread, err := profile.Read(&buf, "amd64")
	require.NoError(t, err)

	assert.Equal(t, prof, reread)
}

func TestOutFormat(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"raw", ".xz", ".zst"} {
		var f profile.OutFormat

		require.NoError(t, f.Set(s))
		assert.Equal(t, s, f.String())
	}

	var f profile.OutFormat

	require.Error(t, f.Set("unknown"))
	require.Error(t, f.Set(".gz"))
}
