// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cli_test

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/recovery-imager/pkg/cli"
)

func TestWithContext(t *testing.T) {
	errSentinel := errors.New("sentinel")

	err := cli.WithContext(t.Context(), zaptest.NewLogger(t), func(ctx context.Context) error {
		require.NoError(t, ctx.Err())

		return errSentinel
	})

	assert.ErrorIs(t, err, errSentinel)
}

func TestWithContextSignal(t *testing.T) {
	err := cli.WithContext(t.Context(), zaptest.NewLogger(t), func(ctx context.Context) error {
		require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return errors.New("context was not canceled")
		}
	})

	assert.ErrorIs(t, err, context.Canceled)
}
