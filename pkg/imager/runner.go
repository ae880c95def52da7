// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package imager

import (
	"context"
	"io"
	"strings"

	"github.com/siderolabs/recovery-imager/pkg/imager/utils"
)

// loggingRunner forwards the output of every tool to the log.
type loggingRunner struct {
	utils.Runner

	output io.Writer
}

func (r *loggingRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := r.Runner.Run(ctx, name, args...)

	for line := range strings.Lines(out) {
		r.output.Write([]byte(name + ": " + line)) //nolint:errcheck
	}

	return out, err
}
