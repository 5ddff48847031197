// Package panicerr converts panics in injected callbacks into ordinary
// errors so one misbehaving handler cannot take down the scheduler.
package panicerr

import (
	"context"

	"github.com/sourcegraph/conc/panics"
)

// Safe wraps fn so that a panic inside it is recovered and returned as an
// error instead of unwinding the caller.
func Safe(fn func() error) func() error {
	return func() error {
		return run(fn)
	}
}

// SafeContext is Safe for context-taking functions.
func SafeContext(fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return run(func() error {
			return fn(ctx)
		})
	}
}

func run(fn func() error) error {
	var (
		catcher panics.Catcher
		err     error
	)
	catcher.Try(func() {
		err = fn()
	})
	if err != nil {
		return err
	}
	return catcher.Recovered().AsError()
}
