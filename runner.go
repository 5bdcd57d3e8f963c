// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package humus

import (
	"context"

	"github.com/z5labs/pgcdc/internal"

	"github.com/z5labs/bedrock"
	bedrockcfg "github.com/z5labs/bedrock/config"
)

// ErrorHandler handles an error produced while building or running an app.
type ErrorHandler interface {
	HandleError(error)
}

// ErrorHandlerFunc adapts a plain function to the [ErrorHandler] interface.
type ErrorHandlerFunc func(error)

// HandleError implements [ErrorHandler].
func (f ErrorHandlerFunc) HandleError(err error) {
	f(err)
}

// RunnerOption configures a [Runner].
type RunnerOption interface {
	ApplyRunnerOption(*Runner)
}

type runnerOptionFunc func(*Runner)

func (f runnerOptionFunc) ApplyRunnerOption(r *Runner) {
	f(r)
}

// OnError registers the [ErrorHandler] a [Runner] invokes when building or
// running the app fails. Without this option errors are silently dropped,
// since by the time Run returns the app's own OTel-backed logging may
// already be torn down.
func OnError(h ErrorHandler) RunnerOption {
	return runnerOptionFunc(func(r *Runner) {
		r.onError = h
	})
}

// Runner builds and runs an app from a [bedrockcfg.Source], reporting any
// failure to a configured [ErrorHandler] instead of panicking or exiting.
type Runner struct {
	builder bedrock.AppBuilder[bedrockcfg.Source]
	onError ErrorHandler
}

// NewRunner creates a [Runner] around the given builder.
func NewRunner(builder bedrock.AppBuilder[bedrockcfg.Source], opts ...RunnerOption) *Runner {
	r := &Runner{
		builder: builder,
		onError: ErrorHandlerFunc(func(error) {}),
	}
	for _, opt := range opts {
		opt.ApplyRunnerOption(r)
	}
	return r
}

// Run builds and runs the app, handing the result of [internal.Run] to the
// configured [ErrorHandler] if it fails.
func (r *Runner) Run(ctx context.Context, src bedrockcfg.Source) {
	err := internal.Run(ctx, src, r.builder)
	if err == nil {
		return
	}
	r.onError.HandleError(err)
}
