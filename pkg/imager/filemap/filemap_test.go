// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package filemap_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/siderolabs/gen/xslices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/recovery-imager/pkg/imager/filemap"
)

func TestWalk(t *testing.T) {
	dir := t.TempDir()

	for _, p := range []string{"b/z", "a", "b/c/d"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, filepath.Dir(p)), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, p), []byte(p), 0o600))
	}

	fm, err := filemap.Walk(dir, "boot")
	require.NoError(t, err)

	assert.Equal(t, []string{"boot/a", "boot/b", "boot/b/c", "boot/b/c/d", "boot/b/z"},
		xslices.Map(fm, func(f filemap.File) string { return f.ImagePath }))

	files := filemap.Files(fm)
	assert.Equal(t, []string{"boot/a", "boot/b/c/d", "boot/b/z"},
		xslices.Map(files, func(f filemap.File) string { return f.ImagePath }))

	assert.Equal(t, filepath.Join(dir, "b", "c", "d"), files[1].SourcePath)
	assert.EqualValues(t, 0o600, files[1].ImageMode)
	assert.EqualValues(t, len("b/c/d"), files[1].Size)

	// the input is not modified
	assert.Len(t, fm, 5)
}
