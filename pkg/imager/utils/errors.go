// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package utils

// InputError tags errors caused by missing or contradictory build inputs.
//
// Input errors are always detected before any external tool is invoked.
type InputError struct{}

// ToolError tags non-zero exits of external tools (grub-mkimage, mkfs.vfat, mtools, xorriso).
type ToolError struct{}

// IntegrityError tags failed post-build consistency checks.
type IntegrityError struct{}
