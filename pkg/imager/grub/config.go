// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package grub generates and parses the boot menu shared by the BIOS and EFI boot paths.
package grub

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

const (
	// ConfigPath is the path of the menu config on the ISO, read by the BIOS core image.
	ConfigPath = "boot/grub/grub.cfg"
	// EFIConfigPath is the path of the menu config next to the EFI executable.
	EFIConfigPath = "EFI/BOOT/grub.cfg"
	// ThemePath is the directory on the ISO the theme is staged to.
	ThemePath = "boot/grub/theme"
	// DefaultMarkerPath is the zero-length file used to locate the boot medium.
	DefaultMarkerPath = "/.recovery-iso-marker"
)

// MenuEntry describes a single bootable configuration.
type MenuEntry struct {
	Name   string
	Kernel string
	Initrd string
	Params []string
	Class  string
}

// Cmdline returns the kernel command line as rendered into the menu.
func (e MenuEntry) Cmdline() string {
	return strings.Join(e.Params, " ")
}

// WithExtraParams returns a copy of the entry with params appended.
func (e MenuEntry) WithExtraParams(params ...string) MenuEntry {
	e.Params = append(slices.Clone(e.Params), params...)

	return e
}

// ConfigurationTree is the default configuration and its specialisations.
//
// Specialisations are rendered in declaration order after the root entry.
type ConfigurationTree struct {
	Root            MenuEntry
	Specialisations []MenuEntry
}

// Entries returns the entries of the tree depth-first.
func (t ConfigurationTree) Entries() []MenuEntry {
	return append([]MenuEntry{t.Root}, t.Specialisations...)
}

// Validate checks that every entry can be rendered.
func (t ConfigurationTree) Validate() error {
	seen := map[string]struct{}{}

	for _, entry := range t.Entries() {
		if entry.Name == "" {
			return fmt.Errorf("menu entry with kernel %q has no name", entry.Kernel)
		}

		if entry.Kernel == "" || entry.Initrd == "" {
			return fmt.Errorf("menu entry %q: kernel and initrd are required", entry.Name)
		}

		if _, ok := seen[entry.Name]; ok {
			return fmt.Errorf("duplicate menu entry %q", entry.Name)
		}

		seen[entry.Name] = struct{}{}
	}

	return nil
}

type timeoutMode int

const (
	timeoutSeconds timeoutMode = iota
	timeoutForever
	timeoutNone
)

// Timeout is the menu timeout: a number of seconds, "forever" or "none".
//
// "forever" waits for user input, "none" hides the menu and boots the default entry.
type Timeout struct {
	mode    timeoutMode
	seconds int
}

// TimeoutSeconds returns a timeout of n seconds.
func TimeoutSeconds(n int) Timeout {
	return Timeout{mode: timeoutSeconds, seconds: n}
}

// Timeout values without a duration.
var (
	TimeoutForever = Timeout{mode: timeoutForever}
	TimeoutNone    = Timeout{mode: timeoutNone}
)

// ParseTimeout parses the textual representation of a Timeout.
func ParseTimeout(s string) (Timeout, error) {
	switch s {
	case "forever":
		return TimeoutForever, nil
	case "none":
		return TimeoutNone, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return Timeout{}, fmt.Errorf("invalid timeout %q: expected seconds, \"forever\" or \"none\"", s)
	}

	return TimeoutSeconds(n), nil
}

// String implements fmt.Stringer and pflag.Value.
func (t Timeout) String() string {
	switch t.mode {
	case timeoutForever:
		return "forever"
	case timeoutNone:
		return "none"
	default:
		return strconv.Itoa(t.seconds)
	}
}

// Set implements pflag.Value.
func (t *Timeout) Set(s string) error {
	v, err := ParseTimeout(s)
	if err != nil {
		return err
	}

	*t = v

	return nil
}

// Type implements pflag.Value.
func (t *Timeout) Type() string {
	return "timeout"
}

// MarshalText implements encoding.TextMarshaler.
func (t Timeout) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Timeout) UnmarshalText(b []byte) error {
	return t.Set(string(b))
}

// settings returns the grub variables implementing the timeout.
func (t Timeout) settings() []string {
	switch t.mode {
	case timeoutForever:
		return []string{"set timeout=-1"}
	case timeoutNone:
		return []string{"set timeout_style=hidden", "set timeout=0"}
	default:
		return []string{"set timeout=" + strconv.Itoa(t.seconds)}
	}
}
