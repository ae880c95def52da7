// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package iso

import (
	"path/filepath"

	"github.com/google/uuid"
)

// GUIDNamespace is the UUIDv5 namespace of the image disk GUIDs.
var GUIDNamespace = uuid.MustParse("4c1f6f0e-91a3-5d2c-8a57-2b7f3c9d0e61")

// DiskGUID returns the GPT disk GUID for the image written to output.
//
// The GUID only depends on the cleaned output path.
func DiskGUID(output string) uuid.UUID {
	return uuid.NewSHA1(GUIDNamespace, []byte(filepath.Clean(output)))
}
