// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package firmware builds the GRUB images for the BIOS and EFI boot paths.
package firmware

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/siderolabs/gen/xerrors"
	"github.com/siderolabs/gen/xslices"
	"golang.org/x/sync/errgroup"

	"github.com/siderolabs/recovery-imager/pkg/imager/grub"
	"github.com/siderolabs/recovery-imager/pkg/imager/utils"
)

// Target is the firmware type a boot image is built for.
type Target int

// Target values.
const (
	TargetBIOS Target = iota // bios
	TargetEFI                // efi
)

func (t Target) String() string {
	switch t {
	case TargetBIOS:
		return "bios"
	case TargetEFI:
		return "efi"
	default:
		return fmt.Sprintf("Target(%d)", int(t))
	}
}

// Architectures.
const (
	ArchAmd64 = "amd64"
	ArchArm64 = "arm64"
)

// Options for the firmware builds.
type Options struct {
	// Arch is the target architecture (amd64 or arm64).
	Arch string
	// GrubDir is the GRUB distribution directory containing the <platform> module directories.
	GrubDir string
	// Config is the rendered menu config, staged next to each image.
	Config []byte
	// OutputDir is the private workspace of the build.
	OutputDir string
	// USBHybrid requires the hybrid MBR template of the BIOS platform.
	USBHybrid bool

	Runner utils.Runner
	Printf func(string, ...any)
}

func (o *Options) printf(format string, args ...any) {
	if o.Printf != nil {
		o.Printf(format, args...)
	}
}

// Result of Build.
type Result struct {
	BIOS *BIOSImage
	EFI  *EFIImage
}

// Check verifies that the GRUB distribution provides everything the requested sub-builds need.
//
// No tool is invoked, all problems are reported at once.
func Check(opts Options, targets ...Target) error {
	if len(targets) == 0 {
		return xerrors.NewTaggedf[utils.InputError]("no firmware targets requested")
	}

	var result *multierror.Error

	for _, target := range targets {
		b, err := newPlatformBuild(&opts, target)
		if err != nil {
			result = multierror.Append(result, err)

			continue
		}

		result = multierror.Append(result, b.check(&opts)...)
	}

	if err := result.ErrorOrNil(); err != nil {
		return xerrors.NewTagged[utils.InputError](err)
	}

	return nil
}

// Build runs the requested sub-builds in parallel.
//
// The inputs of every sub-build are checked before any of them starts.
// Both sub-builds share nothing but the read-only options, the first error cancels the other one.
func Build(ctx context.Context, opts Options, targets ...Target) (*Result, error) {
	if err := Check(opts, targets...); err != nil {
		return nil, err
	}

	var result Result

	eg, ctx := errgroup.WithContext(ctx)

	for _, target := range targets {
		switch target {
		case TargetBIOS:
			eg.Go(func() error {
				img, err := BuildBIOS(ctx, opts)
				result.BIOS = img

				return err
			})
		case TargetEFI:
			eg.Go(func() error {
				img, err := BuildEFI(ctx, opts)
				result.EFI = img

				return err
			})
		}
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return &result, nil
}

func newPlatformBuild(opts *Options, target Target) (*platformBuild, error) {
	switch target {
	case TargetBIOS:
		b, _, err := biosBuild(opts)

		return b, err
	case TargetEFI:
		b, _, err := efiBuild(opts)

		return b, err
	default:
		return nil, fmt.Errorf("unknown firmware target %s", target)
	}
}

// platformBuild holds the parameters shared by the BIOS and EFI grub-mkimage invocations.
type platformBuild struct {
	platform string
	prefix   string
	output   string
	extra    []string
	modules  []string
	// required files of the platform directory besides the modules
	required []string

	// stageDir is the root of the tree which receives boot/grub/<platform>/.
	stageDir string
}

func (b *platformBuild) sourceDir(opts *Options) string {
	return filepath.Join(opts.GrubDir, b.platform)
}

// check verifies the inputs of the build before any tool is invoked.
func (b *platformBuild) check(opts *Options) []error {
	var errs []error

	if len(opts.Config) == 0 {
		errs = append(errs, errors.New("menu config is empty"))
	}

	dir := b.sourceDir(opts)

	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return append(errs, fmt.Errorf("grub module directory %q not found", dir))
	}

	for _, name := range b.required {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			errs = append(errs, fmt.Errorf("required grub file %q not found", filepath.Join(dir, name)))
		}
	}

	if len(opts.Config) > 0 {
		if err := b.checkModules(opts); err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}

// stage copies every module binary and list of the platform into boot/grub/<platform>/.
func (b *platformBuild) stage(opts *Options) error {
	src := b.sourceDir(opts)

	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("error reading %q: %w", src, err)
	}

	names := xslices.Map(
		xslices.Filter(entries, func(e fs.DirEntry) bool {
			ext := filepath.Ext(e.Name())

			return e.Type().IsRegular() && (ext == ".mod" || ext == ".lst")
		}),
		fs.DirEntry.Name,
	)

	slices.Sort(names)

	dest := filepath.Join(b.stageDir, "boot", "grub", b.platform)

	opts.printf("staging %d module files for %s", len(names), b.platform)

	return utils.CopyFiles(utils.Discard,
		xslices.Map(names, func(name string) utils.CopyInstruction {
			return utils.SourceDestination(filepath.Join(src, name), filepath.Join(dest, name))
		})...,
	)
}

// checkModules verifies that every module referenced by the image or the menu config is shipped.
func (b *platformBuild) checkModules(opts *Options) error {
	referenced := slices.Clone(b.modules)

	outline, err := grub.Decode(opts.Config)
	if err != nil {
		return fmt.Errorf("error parsing menu config: %w", err)
	}

	referenced = append(referenced, outline.Modules...)

	slices.Sort(referenced)
	referenced = slices.Compact(referenced)

	dir := b.sourceDir(opts)

	var missing []string

	for _, module := range referenced {
		if _, err := os.Stat(filepath.Join(dir, module+".mod")); err != nil {
			missing = append(missing, module)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%s: modules not found in %s: %s", b.platform, dir, strings.Join(missing, ", "))
	}

	return nil
}

// mkimage compiles the grub image.
func (b *platformBuild) mkimage(ctx context.Context, opts *Options) error {
	if err := os.MkdirAll(filepath.Dir(b.output), 0o755); err != nil {
		return err
	}

	args := []string{
		"--directory=" + b.sourceDir(opts),
		"--format=" + b.platform,
	}

	args = append(args, b.extra...)
	args = append(args,
		"--prefix="+b.prefix,
		"--output="+b.output,
	)
	args = append(args, b.modules...)

	runner := utils.DefaultRunner(opts.Runner, opts.Printf)

	if _, err := runner.Run(ctx, "grub-mkimage", args...); err != nil {
		return err
	}

	if _, err := os.Stat(b.output); err != nil {
		return xerrors.NewTagged[utils.ToolError](fmt.Errorf("grub-mkimage did not produce %q: %w", b.output, err))
	}

	return nil
}

func writeConfig(path string, config []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, config, 0o644)
}
