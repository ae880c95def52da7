// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package imager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"go.uber.org/zap"
)

// compressTo writes a compressed copy of filename next to it, the raw file is kept.
//
// The copy is written to a temporary file, which is removed if ctx is canceled.
func (i *Imager) compressTo(ctx context.Context, filename, ext string, newWriter func(io.Writer) (io.WriteCloser, error)) (string, error) {
	outPath := filename + ext
	tmpPath := outPath + ".partial"

	in, err := os.Open(filename)
	if err != nil {
		return "", err
	}

	defer in.Close() //nolint:errcheck

	out, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}

	defer os.Remove(tmpPath) //nolint:errcheck

	if err = compressStream(out, contextReader{ctx: ctx, r: in}, newWriter); err != nil {
		out.Close() //nolint:errcheck

		return "", fmt.Errorf("error compressing %s: %w", filename, err)
	}

	if err = out.Close(); err != nil {
		return "", err
	}

	if err = os.Rename(tmpPath, outPath); err != nil {
		return "", err
	}

	if st, statErr := os.Stat(outPath); statErr == nil {
		i.logger.Info("compressed copy created",
			zap.String("path", outPath),
			zap.String("size", humanize.IBytes(uint64(st.Size()))),
		)
	}

	return outPath, nil
}

func compressStream(dst io.Writer, src io.Reader, newWriter func(io.Writer) (io.WriteCloser, error)) error {
	w, err := newWriter(dst)
	if err != nil {
		return err
	}

	if _, err = io.Copy(w, src); err != nil {
		return errors.Join(err, w.Close())
	}

	return w.Close()
}

// contextReader stops reading once the context is canceled.
type contextReader struct {
	ctx context.Context //nolint:containedctx
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}

	return r.r.Read(p)
}

func (i *Imager) postProcessXz(ctx context.Context, filename string) (string, error) {
	i.printf("compressing %s with xz", filename)

	return i.compressTo(ctx, filename, ".xz", func(w io.Writer) (io.WriteCloser, error) {
		return xz.NewWriter(w)
	})
}

func (i *Imager) postProcessZstd(ctx context.Context, filename string) (string, error) {
	i.printf("compressing %s with zstd", filename)

	return i.compressTo(ctx, filename, ".zst", func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	})
}
