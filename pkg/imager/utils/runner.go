// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package utils

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/siderolabs/gen/xerrors"
	"github.com/siderolabs/go-cmd/pkg/cmd"
)

// Runner executes external tools.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// CommandRunner runs tools as subprocesses.
//
// Failures are tagged with ToolError and carry the tool output verbatim.
type CommandRunner struct {
	Printf func(string, ...any)
}

// Run implements Runner.
//
// Environment variables attached with WithEnv are passed to the tool through env(1).
func (r CommandRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	env := Env(ctx)

	if r.Printf != nil {
		r.Printf("executing: %s", strings.Join(slices.Concat(env, []string{name}, args), " "))
	}

	command, commandArgs := name, args

	if len(env) > 0 {
		command, commandArgs = "env", slices.Concat(env, []string{name}, args)
	}

	out, err := cmd.RunContext(ctx, command, commandArgs...)
	if err != nil {
		return out, xerrors.NewTagged[ToolError](fmt.Errorf("%s failed: %w", name, err))
	}

	return out, nil
}

type envCtxKey struct{}

// WithEnv attaches KEY=value environment variables to the tools run with the returned context.
//
// The environment of the process is not modified.
func WithEnv(ctx context.Context, env ...string) context.Context {
	return context.WithValue(ctx, envCtxKey{}, slices.Concat(Env(ctx), env))
}

// Env returns the environment variables attached with WithEnv.
func Env(ctx context.Context) []string {
	env, _ := ctx.Value(envCtxKey{}).([]string) //nolint:errcheck

	return env
}

// DefaultRunner returns r, or a CommandRunner if r is nil.
func DefaultRunner(r Runner, printf func(string, ...any)) Runner {
	if r != nil {
		return r
	}

	return CommandRunner{Printf: printf}
}

// Discard is a printf which drops everything.
func Discard(string, ...any) {}
