// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package makefs provides functions to format and populate filesystem images.
package makefs

import (
	"context"

	"github.com/siderolabs/go-cmd/pkg/cmd"
)

// RunFunc executes an external tool and returns its combined output.
type RunFunc func(ctx context.Context, name string, args ...string) (string, error)

// Option to control makefs settings.
type Option func(*Options)

// Options for makefs.
type Options struct {
	Label           string
	Serial          string
	Reproducible    bool
	SourceDirectory string

	Printf func(string, ...any)
	Run    RunFunc
}

// WithLabel sets the label for the filesystem to be created.
func WithLabel(label string) Option {
	return func(o *Options) {
		o.Label = label
	}
}

// WithSerial sets the volume serial number (hex string, 8 digits for FAT).
func WithSerial(serial string) Option {
	return func(o *Options) {
		o.Serial = serial
	}
}

// WithReproducible sets the reproducible flag for the filesystem to be created.
//
// Tool-specific flags which drop random and time-based fields are passed.
func WithReproducible(reproducible bool) Option {
	return func(o *Options) {
		o.Reproducible = reproducible
	}
}

// WithSourceDirectory sets the source directory for populating the filesystem.
func WithSourceDirectory(sourceDir string) Option {
	return func(o *Options) {
		o.SourceDirectory = sourceDir
	}
}

// WithPrintf sets the progress output function.
func WithPrintf(printf func(string, ...any)) Option {
	return func(o *Options) {
		o.Printf = printf
	}
}

// WithRunFunc overrides the way external tools are executed.
func WithRunFunc(run RunFunc) Option {
	return func(o *Options) {
		o.Run = run
	}
}

// NewDefaultOptions builds options with specified setters applied.
func NewDefaultOptions(setters ...Option) Options {
	opt := Options{
		Printf: func(string, ...any) {},
		Run:    cmd.RunContext,
	}

	for _, o := range setters {
		o(&opt)
	}

	return opt
}
