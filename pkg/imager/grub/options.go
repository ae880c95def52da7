// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package grub

// OptionVariant is a boot parameter preset offered under the "Options" submenu.
type OptionVariant struct {
	Title       string
	Class       string
	ExtraParams []string
}

// DefaultOptionVariants is the fixed list of presets.
//
// The presets are applied to the root entry only.
var DefaultOptionVariants = []OptionVariant{
	{
		Title:       "Safe graphics (nomodeset)",
		Class:       "nomodeset",
		ExtraParams: []string{"nomodeset"},
	},
	{
		Title:       "Copy to RAM",
		Class:       "copytoram",
		ExtraParams: []string{"copytoram"},
	},
	{
		Title:       "Serial console (ttyS0, 115200)",
		Class:       "serial",
		ExtraParams: []string{"console=ttyS0,115200n8"},
	},
	{
		Title:       "Force 720p",
		Class:       "video",
		ExtraParams: []string{"video=1280x720@60"},
	},
	{
		Title:       "Force 1080p",
		Class:       "video",
		ExtraParams: []string{"video=1920x1080@60"},
	},
	{
		Title:       "Disable display manager",
		Class:       "textmode",
		ExtraParams: []string{"systemd.mask=display-manager.service"},
	},
}
