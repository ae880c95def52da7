// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package makefs_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/recovery-imager/pkg/makefs"
)

type recorder struct {
	calls []string
	fail  string
}

func (r *recorder) run(_ context.Context, name string, args ...string) (string, error) {
	r.calls = append(r.calls, strings.Join(append([]string{name}, args...), " "))

	if name == r.fail {
		return "", errors.New("exit status 1")
	}

	return "", nil
}

func sourceTree(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	for _, p := range []string{"EFI/BOOT/grub.cfg", "EFI/BOOT/BOOTX64.EFI", "boot/grub/fonts/unicode.pf2", "a.txt"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, filepath.Dir(p)), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, p), []byte(p), 0o644))
	}

	return dir
}

func TestVFATArguments(t *testing.T) {
	src := sourceTree(t)
	rec := &recorder{}

	require.NoError(t, makefs.VFAT(t.Context(), "/tmp/efiboot.img",
		makefs.WithLabel("EFIBOOT"),
		makefs.WithSerial("12345678"),
		makefs.WithReproducible(true),
		makefs.WithSourceDirectory(src),
		makefs.WithRunFunc(rec.run),
	))

	assert.Equal(t, []string{
		"mkfs.vfat -i 12345678 -n EFIBOOT --invariant /tmp/efiboot.img",
		"mmd -i /tmp/efiboot.img ::/EFI",
		"mmd -i /tmp/efiboot.img ::/EFI/BOOT",
		"mmd -i /tmp/efiboot.img ::/boot",
		"mmd -i /tmp/efiboot.img ::/boot/grub",
		"mmd -i /tmp/efiboot.img ::/boot/grub/fonts",
		"mcopy -p -m -i /tmp/efiboot.img " + filepath.Join(src, "EFI/BOOT/BOOTX64.EFI") + " ::/EFI/BOOT/BOOTX64.EFI",
		"mcopy -p -m -i /tmp/efiboot.img " + filepath.Join(src, "EFI/BOOT/grub.cfg") + " ::/EFI/BOOT/grub.cfg",
		"mcopy -p -m -i /tmp/efiboot.img " + filepath.Join(src, "a.txt") + " ::/a.txt",
		"mcopy -p -m -i /tmp/efiboot.img " + filepath.Join(src, "boot/grub/fonts/unicode.pf2") + " ::/boot/grub/fonts/unicode.pf2",
	}, rec.calls)
}

func TestVFATFailure(t *testing.T) {
	rec := &recorder{fail: "mkfs.vfat"}

	err := makefs.VFAT(t.Context(), "/tmp/efiboot.img", makefs.WithSourceDirectory(sourceTree(t)), makefs.WithRunFunc(rec.run))
	require.Error(t, err)

	assert.Len(t, rec.calls, 1)

	require.Error(t, makefs.VFAT(t.Context(), ""))
}

func TestVFATCheck(t *testing.T) {
	rec := &recorder{fail: "fsck.vfat"}

	err := makefs.VFATCheck(t.Context(), "/tmp/efiboot.img", makefs.WithRunFunc(rec.run))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consistency check")
	assert.Equal(t, []string{"fsck.vfat -v -n /tmp/efiboot.img"}, rec.calls)
}

// TestVFATReproducibility builds the same image twice and compares the checksums.
func TestVFATReproducibility(t *testing.T) {
	for _, bin := range []string{"mkfs.vfat", "mmd", "mcopy", "fsck.vfat"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s is not available", bin)
		}
	}

	// mmd stamps new directories with SOURCE_DATE_EPOCH if set
	t.Setenv("SOURCE_DATE_EPOCH", "946684800")

	src := sourceTree(t)

	build := func() [32]byte {
		image := filepath.Join(t.TempDir(), "efiboot.img")

		f, err := os.Create(image)
		require.NoError(t, err)
		require.NoError(t, f.Truncate(2*1024*1024))
		require.NoError(t, f.Close())

		require.NoError(t, makefs.VFAT(t.Context(), image,
			makefs.WithLabel("EFIBOOT"),
			makefs.WithSerial("12345678"),
			makefs.WithReproducible(true),
			makefs.WithSourceDirectory(src),
		))

		require.NoError(t, makefs.VFATCheck(t.Context(), image))

		contents, err := os.ReadFile(image)
		require.NoError(t, err)

		return sha256.Sum256(contents)
	}

	assert.Equal(t, build(), build())
}
