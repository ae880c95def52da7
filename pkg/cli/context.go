// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cli contains helpers shared by the command line tools.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// WithContext runs f with a context which is canceled on SIGINT or SIGTERM.
//
// The first signal cancels the context so that partial outputs get cleaned up,
// the second one is delivered with the default action and terminates the process.
func WithContext(ctx context.Context, logger *zap.Logger, f func(context.Context) error) error {
	wrappedCtx, wrappedCtxCancel := context.WithCancel(ctx)
	defer wrappedCtxCancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	defer signal.Stop(sigCh)

	exited := make(chan struct{})
	defer close(exited)

	go func() {
		select {
		case sig := <-sigCh:
			signal.Stop(sigCh)
			wrappedCtxCancel()

			logger.Warn("signal received, aborting, press Ctrl+C once again to abort immediately", zap.Stringer("signal", sig))
		case <-exited:
		}
	}()

	return f(wrappedCtx)
}
