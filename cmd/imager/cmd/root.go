// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cmd implements the imager command.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/siderolabs/go-pointer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siderolabs/recovery-imager/pkg/cli"
	"github.com/siderolabs/recovery-imager/pkg/imager"
	"github.com/siderolabs/recovery-imager/pkg/imager/grub"
	"github.com/siderolabs/recovery-imager/pkg/imager/profile"
	"github.com/siderolabs/recovery-imager/pkg/logging"
)

var cmdFlags struct {
	Arch            string
	OutputPath      string
	OutFormat       profile.OutFormat
	Timeout         grub.Timeout
	ExtraKernelArgs []string
	GrubDir         string
	Theme           string
	TextMode        bool
	DumpProfile     bool
	Debug           bool
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "imager <profile>|-",
	Short: "Build a bootable recovery ISO image.",
	Long: `Build a single ISO image which boots via legacy BIOS, UEFI and from USB media.

The profile is read from the given path, or from stdin when the path is "-".
Flags override the corresponding profile fields.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.New(os.Stderr, cmdFlags.Debug, logging.WithColoredLevels())
		defer logger.Sync() //nolint:errcheck

		return cli.WithContext(context.Background(), logger, func(ctx context.Context) error {
			prof, err := readProfile(args[0])
			if err != nil {
				return err
			}

			applyFlags(cmd, &prof)

			if cmdFlags.DumpProfile {
				prof.FillDefaults()

				return prof.Dump(os.Stdout)
			}

			img, err := imager.New(prof, imager.WithLogger(logger.With(logging.Component("imager"))))
			if err != nil {
				return err
			}

			outputAssetPath, err := img.Execute(ctx, cmdFlags.OutputPath)
			if err != nil {
				logger.Error("image build failed", zap.Error(err))

				return err
			}

			logger.Info("image ready", zap.String("path", outputAssetPath))

			return nil
		})
	},
}

func readProfile(path string) (profile.Profile, error) {
	var r io.Reader

	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return profile.Profile{}, fmt.Errorf("error opening profile: %w", err)
		}

		defer f.Close() //nolint:errcheck

		r = f
	}

	return profile.Read(r, cmdFlags.Arch)
}

func applyFlags(cmd *cobra.Command, prof *profile.Profile) {
	flags := cmd.Flags()

	if flags.Changed("arch") {
		prof.Arch = cmdFlags.Arch
	}

	if flags.Changed("out-format") {
		prof.Output.OutFormat = cmdFlags.OutFormat
	}

	if flags.Changed("timeout") {
		prof.Menu.Timeout = cmdFlags.Timeout
	}

	if flags.Changed("grub-dir") {
		prof.Input.GrubDir = cmdFlags.GrubDir
	}

	if flags.Changed("theme") {
		prof.Menu.Theme = cmdFlags.Theme
	}

	if flags.Changed("text-mode") {
		prof.Menu.TextMode = pointer.To(cmdFlags.TextMode)
	}

	prof.Customization.ExtraKernelArgs = append(prof.Customization.ExtraKernelArgs, cmdFlags.ExtraKernelArgs...)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cmdFlags.OutFormat = profile.OutFormatRaw
	cmdFlags.Timeout = grub.TimeoutSeconds(10)

	rootCmd.PersistentFlags().StringVar(&cmdFlags.Arch, "arch", runtime.GOARCH, "The target architecture")
	rootCmd.PersistentFlags().StringVar(&cmdFlags.OutputPath, "output", "_out", "The output directory path")
	rootCmd.PersistentFlags().Var(&cmdFlags.OutFormat, "out-format", "Output format: raw, .xz or .zst")
	rootCmd.PersistentFlags().Var(&cmdFlags.Timeout, "timeout", `Boot menu timeout: seconds, "forever" or "none"`)
	rootCmd.PersistentFlags().StringArrayVar(&cmdFlags.ExtraKernelArgs, "extra-kernel-arg", []string{}, "Extra argument to pass to the kernel")
	rootCmd.PersistentFlags().StringVar(&cmdFlags.GrubDir, "grub-dir", "/usr/lib/grub", "The GRUB distribution directory")
	rootCmd.PersistentFlags().StringVar(&cmdFlags.Theme, "theme", "", "The GRUB theme directory")
	rootCmd.PersistentFlags().BoolVar(&cmdFlags.TextMode, "text-mode", false, "Disable the graphical terminal")
	rootCmd.PersistentFlags().BoolVar(&cmdFlags.DumpProfile, "dump-profile", false, "Print the effective profile and exit")
	rootCmd.PersistentFlags().BoolVar(&cmdFlags.Debug, "debug", false, "Enable debug logging")
}
