// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package utils_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/siderolabs/gen/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/recovery-imager/pkg/imager/utils"
)

func TestCopyFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src.img")

	require.NoError(t, os.WriteFile(src, []byte("boot"), 0o444))

	dest := filepath.Join(dir, "nested", "dest.img")

	require.NoError(t, utils.CopyFiles(t.Logf, utils.SourceDestination(src, dest)))

	contents, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "boot", string(contents))

	st, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), st.Mode().Perm())

	err = utils.CopyFiles(t.Logf, utils.SourceDestination(filepath.Join(dir, "missing"), dest))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConcatFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	a := filepath.Join(dir, "cdboot.img")
	b := filepath.Join(dir, "core.img")

	require.NoError(t, os.WriteFile(a, []byte{1, 2, 3}, 0o644))
	require.NoError(t, os.WriteFile(b, []byte{4, 5}, 0o644))

	dest := filepath.Join(dir, "out", "eltorito.img")

	require.NoError(t, utils.ConcatFiles(utils.Discard, dest, a, b))

	contents, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, contents)
}

func TestBuildEpoch(t *testing.T) {
	t.Setenv("SOURCE_DATE_EPOCH", "")

	epoch, err := utils.BuildEpoch()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), epoch)

	t.Setenv("SOURCE_DATE_EPOCH", "1700000000")

	epoch, err = utils.BuildEpoch()
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), epoch.Unix())

	t.Setenv("SOURCE_DATE_EPOCH", "yesterday")

	_, err = utils.BuildEpoch()
	require.Error(t, err)
}

func TestNormalizeTimes(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "EFI", "BOOT"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "EFI", "BOOT", "BOOTX64.EFI"), []byte("efi"), 0o644))

	ts := time.Unix(utils.DefaultEpoch, 0)

	require.NoError(t, utils.NormalizeTimes(root, ts))

	for _, p := range []string{root, filepath.Join(root, "EFI"), filepath.Join(root, "EFI", "BOOT"), filepath.Join(root, "EFI", "BOOT", "BOOTX64.EFI")} {
		st, err := os.Stat(p)
		require.NoError(t, err)

		assert.True(t, st.ModTime().Equal(ts), "%s: %s", p, st.ModTime())
	}
}

func TestCommandRunner(t *testing.T) {
	t.Parallel()

	runner := utils.DefaultRunner(nil, t.Logf)

	_, err := runner.Run(t.Context(), "recovery-imager-missing-tool", "--version")
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[utils.ToolError](err))

	if _, err = exec.LookPath("echo"); err != nil {
		t.Skip("echo is not available")
	}

	out, err := runner.Run(t.Context(), "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
}

func TestWithEnv(t *testing.T) {
	t.Parallel()

	assert.Empty(t, utils.Env(t.Context()))

	ctx := utils.WithEnv(t.Context(), "SOURCE_DATE_EPOCH=1700000000")
	ctx = utils.WithEnv(ctx, "TZ=UTC")

	assert.Equal(t, []string{"SOURCE_DATE_EPOCH=1700000000", "TZ=UTC"}, utils.Env(ctx))

	for _, bin := range []string{"env", "printenv"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s is not available", bin)
		}
	}

	out, err := utils.DefaultRunner(nil, t.Logf).Run(ctx, "printenv", "SOURCE_DATE_EPOCH")
	require.NoError(t, err)
	assert.Equal(t, "1700000000\n", out)

	_, err = utils.DefaultRunner(nil, nil).Run(ctx, "recovery-imager-missing-tool")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovery-imager-missing-tool failed")
}
