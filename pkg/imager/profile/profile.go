// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package profile describes the recovery image build.
package profile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/siderolabs/gen/xerrors"
	"github.com/siderolabs/gen/xslices"
	"github.com/siderolabs/go-pointer"
	"github.com/siderolabs/go-procfs/procfs"
	"gopkg.in/yaml.v3"

	"github.com/siderolabs/recovery-imager/pkg/imager/grub"
	"github.com/siderolabs/recovery-imager/pkg/imager/iso"
	"github.com/siderolabs/recovery-imager/pkg/imager/utils"
)

// Profile describes how to build the recovery image.
type Profile struct {
	// Name of the image, used in the volume label and the output file name.
	Name string `yaml:"name"`
	// Arch is the target architecture: amd64 or arm64.
	Arch string `yaml:"arch"`
	// Version of the image (optional).
	Version string `yaml:"version,omitempty"`

	// VolumeID overrides the volume label derived from the name and version.
	VolumeID      string `yaml:"volumeID,omitempty"`
	Publisher     string `yaml:"publisher,omitempty"`
	ApplicationID string `yaml:"applicationID,omitempty"`

	// Menu customizes the boot menu.
	Menu Menu `yaml:"menu"`
	// Customization applies to every configuration.
	Customization Customization `yaml:"customization,omitempty"`
	// Input describes the boot assets.
	Input Input `yaml:"input"`
	// Output describes the image.
	Output Output `yaml:"output"`
}

// Menu customizes the boot menu.
type Menu struct {
	// Timeout is either a number of seconds, "forever" or "none".
	Timeout grub.Timeout `yaml:"timeout"`
	// TextMode disables the graphical terminal.
	TextMode *bool `yaml:"textMode,omitempty"`
	// Theme is a directory with the theme, fonts and bitmaps (optional).
	Theme string `yaml:"theme,omitempty"`
	// Splash is a background image used when no theme is present (optional).
	Splash string `yaml:"splash,omitempty"`
	// MarkerPath is the path of the zero-length marker file on the medium.
	MarkerPath string `yaml:"markerPath,omitempty"`
}

// Customization is applied to every configuration.
type Customization struct {
	// ExtraKernelArgs are appended to the kernel command line of every entry.
	ExtraKernelArgs []string `yaml:"extraKernelArgs,omitempty"`
	// Quiet prepends "quiet" to the kernel command line.
	Quiet *bool `yaml:"quiet,omitempty"`
}

// Input describes the boot assets.
type Input struct {
	// GrubDir is the GRUB distribution directory, e.g. /usr/lib/grub.
	GrubDir string `yaml:"grubDir"`
	// Configuration is the default configuration.
	Configuration Configuration `yaml:"configuration"`
	// Specialisations are the named variants of the default configuration.
	Specialisations []Specialisation `yaml:"specialisations,omitempty"`
	// ExtraContents are put into the image as is.
	ExtraContents []ExtraContent `yaml:"extraContents,omitempty"`
}

// FileAsset is a file on the host.
type FileAsset struct {
	Path string `yaml:"path"`
}

// Configuration is a bootable kernel and initrd pair.
type Configuration struct {
	// Title is the menu entry name.
	Title      string    `yaml:"title"`
	Kernel     FileAsset `yaml:"kernel"`
	Initrd     FileAsset `yaml:"initrd"`
	KernelArgs []string  `yaml:"kernelArgs,omitempty"`
	Class      string    `yaml:"class,omitempty"`
}

// Specialisation is a named variant of the default configuration.
type Specialisation struct {
	// Name is the directory under /boot the assets are staged to.
	Name          string `yaml:"name"`
	Configuration `yaml:",inline"`
}

// ExtraContent is a file or a directory placed into the image.
type ExtraContent struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// Default returns a profile with defaults filled in.
func Default(arch string) Profile {
	return Profile{
		Name: "recovery",
		Arch: arch,
		Menu: Menu{
			Timeout: grub.TimeoutSeconds(10),
		},
		Input: Input{
			GrubDir: "/usr/lib/grub",
		},
		Output: Output{
			OutFormat: OutFormatRaw,
		},
	}
}

// FillDefaults fills in the defaults which depend on other fields.
func (p *Profile) FillDefaults() {
	if p.Output.OutFormat == OutFormatUnknown {
		p.Output.OutFormat = OutFormatRaw
	}

	if p.Menu.MarkerPath == "" {
		p.Menu.MarkerPath = grub.DefaultMarkerPath
	}

	if p.Output.BIOSBootable == nil {
		p.Output.BIOSBootable = pointer.To(p.Arch == "amd64")
	}

	if p.Output.EFIBootable == nil {
		p.Output.EFIBootable = pointer.To(true)
	}

	if p.Output.USBHybridBootable == nil {
		p.Output.USBHybridBootable = pointer.To(p.Output.BIOS())
	}
}

// Validate the profile.
//
// All problems are reported at once, tagged as utils.InputError.
//
//nolint:gocyclo,cyclop
func (p *Profile) Validate() error {
	var errs *multierror.Error

	if p.Name == "" {
		errs = multierror.Append(errs, errors.New("name is required"))
	}

	switch p.Arch {
	case "amd64", "arm64":
	default:
		errs = multierror.Append(errs, fmt.Errorf("invalid arch %q", p.Arch))
	}

	if p.Input.GrubDir == "" {
		errs = multierror.Append(errs, errors.New("input.grubDir is required"))
	}

	if p.Output.BIOS() && p.Arch == "arm64" {
		errs = multierror.Append(errs, errors.New("biosBootable is not supported on arm64"))
	}

	if p.Output.USBHybrid() && !p.Output.BIOS() {
		errs = multierror.Append(errs, errors.New("usbHybridBootable requires biosBootable"))
	}

	if !p.Output.BIOS() && !p.Output.EFI() {
		errs = multierror.Append(errs, errors.New("at least one of biosBootable and efiBootable is required"))
	}

	if p.Output.OutFormat == OutFormatUnknown {
		errs = multierror.Append(errs, errors.New("output.outFormat is required"))
	}

	if !strings.HasPrefix(p.Menu.MarkerPath, "/") {
		errs = multierror.Append(errs, fmt.Errorf("menu.markerPath %q must be absolute", p.Menu.MarkerPath))
	}

	errs = multierror.Append(errs, p.Input.Configuration.validate("configuration")...)

	names := map[string]struct{}{}

	for i, spec := range p.Input.Specialisations {
		field := fmt.Sprintf("specialisations[%d]", i)

		switch {
		case spec.Name == "":
			errs = multierror.Append(errs, fmt.Errorf("%s: name is required", field))
		case spec.Name != path.Base(spec.Name) || spec.Name == "." || spec.Name == "..":
			errs = multierror.Append(errs, fmt.Errorf("%s: name %q must be a single path element", field, spec.Name))
		case spec.Name == "grub":
			errs = multierror.Append(errs, fmt.Errorf("%s: name %q is reserved", field, spec.Name))
		}

		if _, dup := names[spec.Name]; dup {
			errs = multierror.Append(errs, fmt.Errorf("%s: duplicate name %q", field, spec.Name))
		}

		names[spec.Name] = struct{}{}

		errs = multierror.Append(errs, spec.validate(field)...)
	}

	for i, extra := range p.Input.ExtraContents {
		if extra.Source == "" || extra.Target == "" {
			errs = multierror.Append(errs, fmt.Errorf("extraContents[%d]: source and target are required", i))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return xerrors.NewTagged[utils.InputError](err)
	}

	return nil
}

func (c *Configuration) validate(field string) []error {
	var errs []error

	if c.Title == "" {
		errs = append(errs, fmt.Errorf("%s: title is required", field))
	}

	if c.Kernel.Path == "" {
		errs = append(errs, fmt.Errorf("%s: kernel.path is required", field))
	}

	if c.Initrd.Path == "" {
		errs = append(errs, fmt.Errorf("%s: initrd.path is required", field))
	}

	return errs
}

// CheckInputs verifies that every host path referenced by the profile exists.
//
// The theme is optional, a missing theme directory falls back to plain colors.
func (p *Profile) CheckInputs() error {
	var errs *multierror.Error

	checkFile := func(field, path string) {
		st, err := os.Stat(path)

		switch {
		case err != nil:
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", field, err))
		case !st.Mode().IsRegular():
			errs = multierror.Append(errs, fmt.Errorf("%s: %q is not a regular file", field, path))
		}
	}

	checkFile("configuration.kernel", p.Input.Configuration.Kernel.Path)
	checkFile("configuration.initrd", p.Input.Configuration.Initrd.Path)

	for i, spec := range p.Input.Specialisations {
		checkFile(fmt.Sprintf("specialisations[%d].kernel", i), spec.Kernel.Path)
		checkFile(fmt.Sprintf("specialisations[%d].initrd", i), spec.Initrd.Path)
	}

	if p.Menu.Splash != "" {
		checkFile("menu.splash", p.Menu.Splash)
	}

	for i, extra := range p.Input.ExtraContents {
		if _, err := os.Stat(extra.Source); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("extraContents[%d]: %w", i, err))
		}
	}

	if st, err := os.Stat(p.Input.GrubDir); err != nil || !st.IsDir() {
		errs = multierror.Append(errs, fmt.Errorf("input.grubDir %q is not a directory", p.Input.GrubDir))
	}

	if err := errs.ErrorOrNil(); err != nil {
		return xerrors.NewTagged[utils.InputError](err)
	}

	return nil
}

// KernelArgs returns the command line of a configuration with the global customization applied.
//
// Arguments keep their declaration order. A global argument drops every argument
// of the same key set by the configuration and is appended after them.
func (p *Profile) KernelArgs(c Configuration) ([]string, error) {
	extra := procfs.NewCmdline(strings.Join(p.Customization.ExtraKernelArgs, " "))

	if slices.ContainsFunc(p.Customization.ExtraKernelArgs, func(arg string) bool { return strings.HasPrefix(arg, "=") }) {
		return nil, xerrors.NewTaggedf[utils.InputError]("invalid extra kernel arguments: %q", p.Customization.ExtraKernelArgs)
	}

	args := make([]string, 0, len(c.KernelArgs)+len(p.Customization.ExtraKernelArgs)+1)

	if pointer.SafeDeref(p.Customization.Quiet) &&
		!slices.Contains(c.KernelArgs, "quiet") &&
		!slices.Contains(p.Customization.ExtraKernelArgs, "quiet") {
		args = append(args, "quiet")
	}

	args = append(args, xslices.Filter(c.KernelArgs, func(arg string) bool {
		key, _, _ := strings.Cut(arg, "=")

		return extra.Get(key) == nil
	})...)

	return append(args, p.Customization.ExtraKernelArgs...), nil
}

// TextMode dereferences Menu.TextMode.
func (p *Profile) TextMode() bool {
	return pointer.SafeDeref(p.Menu.TextMode)
}

// Label returns the volume label.
func (p *Profile) Label() string {
	if p.VolumeID != "" {
		return p.VolumeID
	}

	return iso.Label(p.Name, p.Version)
}

// OutputPath generates the output file name.
func (p *Profile) OutputPath() string {
	return iso.Label(p.Name, p.Version) + "-" + p.Arch + ".iso"
}

// Read the profile from YAML.
func Read(r io.Reader, arch string) (Profile, error) {
	prof := Default(arch)

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&prof); err != nil && !errors.Is(err, io.EOF) {
		return Profile{}, xerrors.NewTaggedf[utils.InputError]("error decoding profile: %w", err)
	}

	return prof, nil
}

// Dump the profile as YAML.
func (p *Profile) Dump(w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)

	return encoder.Encode(p)
}
