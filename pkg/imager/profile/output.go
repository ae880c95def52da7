// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package profile

import (
	"fmt"

	"github.com/siderolabs/go-pointer"
)

// Output describes image generation result.
type Output struct {
	// BIOSBootable adds the legacy BIOS El Torito boot entry (amd64 only).
	//
	// Defaults to true on amd64.
	BIOSBootable *bool `yaml:"biosBootable,omitempty"`
	// EFIBootable adds the EFI El Torito boot entry.
	//
	// Defaults to true.
	EFIBootable *bool `yaml:"efiBootable,omitempty"`
	// USBHybridBootable patches a hybrid MBR into the image, so that it boots when written to USB media.
	//
	// Requires BIOSBootable, defaults to its value.
	USBHybridBootable *bool `yaml:"usbHybridBootable,omitempty"`
	// OutFormat is the format for the output:
	//  * raw - output raw file
	//  * .xz - xz compressed copy next to the raw image
	//  * .zst - zstd compressed copy next to the raw image
	OutFormat OutFormat `yaml:"outFormat"`
}

// BIOS dereferences BIOSBootable.
func (o *Output) BIOS() bool {
	return pointer.SafeDeref(o.BIOSBootable)
}

// EFI dereferences EFIBootable.
func (o *Output) EFI() bool {
	return pointer.SafeDeref(o.EFIBootable)
}

// USBHybrid dereferences USBHybridBootable.
func (o *Output) USBHybrid() bool {
	return pointer.SafeDeref(o.USBHybridBootable)
}

// OutFormat is output format specification.
type OutFormat int

// OutFormat values.
const (
	OutFormatUnknown OutFormat = iota // unknown
	OutFormatRaw                      // raw
	OutFormatXZ                       // .xz
	OutFormatZSTD                     // .zst
)

var outFormatNames = map[OutFormat]string{
	OutFormatUnknown: "unknown",
	OutFormatRaw:     "raw",
	OutFormatXZ:      ".xz",
	OutFormatZSTD:    ".zst",
}

func (f OutFormat) String() string {
	if name, ok := outFormatNames[f]; ok {
		return name
	}

	return fmt.Sprintf("OutFormat(%d)", int(f))
}

// OutFormatString parses the textual representation of OutFormat.
func OutFormatString(s string) (OutFormat, error) {
	for f, name := range outFormatNames {
		if name == s && f != OutFormatUnknown {
			return f, nil
		}
	}

	return OutFormatUnknown, fmt.Errorf("%q does not belong to OutFormat values", s)
}

// MarshalText implements encoding.TextMarshaler.
func (f OutFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *OutFormat) UnmarshalText(text []byte) error {
	var err error

	*f, err = OutFormatString(string(text))

	return err
}

// Set implements pflag.Value.
func (f *OutFormat) Set(s string) error {
	return f.UnmarshalText([]byte(s))
}

// Type implements pflag.Value.
func (f *OutFormat) Type() string {
	return "format"
}
