// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package imager assembles the recovery ISO image from the boot assets described by a profile.
package imager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/siderolabs/recovery-imager/pkg/imager/efiboot"
	"github.com/siderolabs/recovery-imager/pkg/imager/firmware"
	"github.com/siderolabs/recovery-imager/pkg/imager/grub"
	"github.com/siderolabs/recovery-imager/pkg/imager/profile"
	"github.com/siderolabs/recovery-imager/pkg/imager/utils"
	"github.com/siderolabs/recovery-imager/pkg/logging"
)

// Imager builds the recovery image.
type Imager struct {
	prof   profile.Profile
	logger *zap.Logger
	runner utils.Runner

	tempDir string

	// build state, filled in by the pipeline steps
	config       []byte
	theme        *grub.Theme
	firmware     *firmware.Result
	efiBootImage string
}

// Option configures the Imager.
type Option func(*Imager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(i *Imager) {
		i.logger = logger
	}
}

// WithRunner overrides the external tool runner.
func WithRunner(runner utils.Runner) Option {
	return func(i *Imager) {
		i.runner = runner
	}
}

// New creates a new Imager.
//
// The profile is validated and every host path it references is checked before anything is built.
func New(prof profile.Profile, opts ...Option) (*Imager, error) {
	i := &Imager{
		prof:   prof,
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(i)
	}

	i.prof.FillDefaults()

	if err := i.prof.Validate(); err != nil {
		return nil, err
	}

	if err := i.prof.CheckInputs(); err != nil {
		return nil, err
	}

	if i.runner == nil {
		i.runner = &loggingRunner{
			Runner: utils.CommandRunner{Printf: i.printf},
			output: logging.NewWriter(i.logger, zapcore.DebugLevel),
		}
	}

	return i, nil
}

func (i *Imager) printf(format string, args ...any) {
	i.logger.Sugar().Infof(format, args...)
}

// Execute image generation.
//
// The image is written to outputPath under the profile output name, the path of the raw image is returned.
func (i *Imager) Execute(ctx context.Context, outputPath string) (outputAssetPath string, err error) {
	i.tempDir, err = os.MkdirTemp("", "recovery-imager")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary directory: %w", err)
	}

	defer os.RemoveAll(i.tempDir) //nolint:errcheck

	// 1. Dump the profile.
	var profBuf bytes.Buffer

	if err = i.prof.Dump(&profBuf); err != nil {
		return "", err
	}

	i.logger.Debug("profile ready", zap.String("profile", profBuf.String()))

	// 2. Generate the menu.
	if err = i.buildMenu(); err != nil {
		return "", err
	}

	// 3. Build BIOS and EFI images.
	if err = i.buildFirmware(ctx); err != nil {
		return "", err
	}

	// 4. Build the EFI system partition image.
	if i.prof.Output.EFI() {
		if err = i.buildEFIBootImage(ctx); err != nil {
			return "", err
		}
	}

	// 5. Build the ISO.
	if err = os.MkdirAll(outputPath, 0o755); err != nil {
		return "", err
	}

	outputAssetPath = filepath.Join(outputPath, i.prof.OutputPath())

	if err = i.outISO(ctx, outputAssetPath); err != nil {
		return "", err
	}

	i.logger.Info("output asset ready", zap.String("path", outputAssetPath))

	return i.finish(ctx, outputPath, outputAssetPath)
}

// finish post-processes the raw image and records the build products.
//
// On failure every artifact of the build is removed from the output directory.
func (i *Imager) finish(ctx context.Context, outputPath, outputAssetPath string) (string, error) {
	// 6. Post-process the output.
	products, err := i.postProcess(ctx, outputAssetPath)
	if err != nil {
		i.removeProducts(outputAssetPath)

		return "", err
	}

	// 7. Record the build products.
	if err = writeBuildProducts(filepath.Join(outputPath, BuildProductsFile), products); err != nil {
		i.removeProducts(products...)

		return "", err
	}

	return outputAssetPath, nil
}

// postProcess runs the output format step, it returns every produced artifact.
func (i *Imager) postProcess(ctx context.Context, outputAssetPath string) ([]string, error) {
	products := []string{outputAssetPath}

	switch i.prof.Output.OutFormat {
	case profile.OutFormatRaw:
		// do nothing
	case profile.OutFormatXZ:
		compressed, err := i.postProcessXz(ctx, outputAssetPath)
		if err != nil {
			return nil, err
		}

		products = append(products, compressed)
	case profile.OutFormatZSTD:
		compressed, err := i.postProcessZstd(ctx, outputAssetPath)
		if err != nil {
			return nil, err
		}

		products = append(products, compressed)
	case profile.OutFormatUnknown:
		fallthrough
	default:
		return nil, fmt.Errorf("unknown output format: %s", i.prof.Output.OutFormat)
	}

	return products, nil
}

// removeProducts drops the artifacts of an aborted build from the output directory.
func (i *Imager) removeProducts(products ...string) {
	for _, product := range products {
		if err := os.Remove(product); err != nil && !errors.Is(err, os.ErrNotExist) {
			i.logger.Warn("failed to remove artifact of the aborted build", zap.String("path", product), zap.Error(err))
		}
	}
}

// kernelName is the file name of the kernel under /boot.
func kernelName(arch string) string {
	if arch == firmware.ArchArm64 {
		return "Image"
	}

	return "bzImage"
}

// assetPaths returns the image paths of the kernel and the initrd of a configuration.
//
// The default configuration lives directly in /boot, specialisations in /boot/<name>.
func assetPaths(arch, name string) (kernel, initrd string) {
	dir := path.Join("boot", name)

	return path.Join(dir, kernelName(arch)), path.Join(dir, "initrd")
}

func (i *Imager) menuEntry(c profile.Configuration, name string) (grub.MenuEntry, error) {
	kernel, initrd := assetPaths(i.prof.Arch, name)

	params, err := i.prof.KernelArgs(c)
	if err != nil {
		return grub.MenuEntry{}, err
	}

	return grub.MenuEntry{
		Name:   c.Title,
		Kernel: "/" + kernel,
		Initrd: "/" + initrd,
		Params: params,
		Class:  c.Class,
	}, nil
}

func (i *Imager) menuTree() (grub.ConfigurationTree, error) {
	var (
		tree grub.ConfigurationTree
		err  error
	)

	if tree.Root, err = i.menuEntry(i.prof.Input.Configuration, ""); err != nil {
		return tree, err
	}

	for _, spec := range i.prof.Input.Specialisations {
		entry, err := i.menuEntry(spec.Configuration, spec.Name)
		if err != nil {
			return tree, err
		}

		tree.Specialisations = append(tree.Specialisations, entry)
	}

	return tree, nil
}

// splashPath is the image path of the splash background.
func (i *Imager) splashPath() string {
	if i.prof.Menu.Splash == "" {
		return ""
	}

	return path.Join("boot", "grub", "splash"+filepath.Ext(i.prof.Menu.Splash))
}

func (i *Imager) buildMenu() error {
	theme, err := grub.ScanTheme(i.prof.Menu.Theme)
	if err != nil {
		return fmt.Errorf("error scanning theme: %w", err)
	}

	if theme == nil && i.prof.Menu.Theme != "" {
		i.logger.Warn("theme directory not found, falling back to plain colors", zap.String("theme", i.prof.Menu.Theme))
	}

	i.theme = theme

	tree, err := i.menuTree()
	if err != nil {
		return err
	}

	cfg := grub.Config{
		Tree:       tree,
		Timeout:    i.prof.Menu.Timeout,
		Theme:      theme,
		Options:    grub.DefaultOptionVariants,
		TextMode:   i.prof.TextMode(),
		MarkerPath: i.prof.Menu.MarkerPath,
	}

	if splash := i.splashPath(); splash != "" {
		cfg.Splash = "/" + splash
	}

	if i.config, err = cfg.Bytes(); err != nil {
		return err
	}

	outline, err := grub.Decode(i.config)
	if err != nil {
		return fmt.Errorf("error reading back menu config: %w", err)
	}

	title := func(n *grub.Node) string { return n.Title }

	i.logger.Info("boot menu generated",
		zap.Strings("entries", xslices.Map(outline.Entries(), title)),
		zap.Strings("submenus", xslices.Map(outline.Submenus(), title)),
		zap.Strings("fonts", outline.Fonts),
		zap.String("timeout", outline.Timeout),
	)
	i.logger.Debug("boot menu outline\n" + outline.String())

	return nil
}

func (i *Imager) buildFirmware(ctx context.Context) error {
	var targets []firmware.Target

	if i.prof.Output.BIOS() {
		targets = append(targets, firmware.TargetBIOS)
	}

	if i.prof.Output.EFI() {
		targets = append(targets, firmware.TargetEFI)
	}

	result, err := firmware.Build(ctx, firmware.Options{
		Arch:      i.prof.Arch,
		GrubDir:   i.prof.Input.GrubDir,
		Config:    i.config,
		OutputDir: filepath.Join(i.tempDir, "firmware"),
		USBHybrid: i.prof.Output.USBHybrid(),
		Runner:    i.runner,
		Printf:    i.printf,
	}, targets...)
	if err != nil {
		return err
	}

	i.firmware = result

	return nil
}

func (i *Imager) buildEFIBootImage(ctx context.Context) error {
	executable, err := firmware.EFIExecutablePath(i.prof.Arch)
	if err != nil {
		return err
	}

	i.efiBootImage = filepath.Join(i.tempDir, "efiboot.img")

	return efiboot.Assemble(ctx, efiboot.Options{
		SourceDir:  i.firmware.EFI.FATRoot,
		Output:     i.efiBootImage,
		Executable: executable,
		Runner:     i.runner,
		Printf:     i.printf,
	})
}
