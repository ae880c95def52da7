// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package logging_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/siderolabs/recovery-imager/pkg/logging"
)

func TestNew(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := logging.New(&buf, false, logging.WithoutTimestamp())
	logger.Debug("hidden")
	logger.Info("shown", logging.Component("iso"))

	assert.Equal(t, "INFO shown {\"component\": \"iso\"}\n", buf.String())

	buf.Reset()

	logger = logging.New(&buf, true, logging.WithoutTimestamp())
	logger.Debug("debug")

	assert.Equal(t, "DEBUG debug\n", buf.String())
}

func TestWriter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := logging.New(&buf, false, logging.WithoutTimestamp())

	w := logging.NewWriter(logger, zapcore.InfoLevel)

	n, err := w.Write([]byte("xorriso: done\n"))
	require.NoError(t, err)
	assert.Equal(t, 14, n)

	n, err = logging.NewWriter(logger, zapcore.DebugLevel).Write([]byte("dropped\n"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	assert.Equal(t, "INFO xorriso: done\n", buf.String())
}
