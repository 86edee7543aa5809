// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"time"

	"github.com/bodhya/bodhya/pkg/errors"
)

// WithTimeout runs fn under a derived deadline. fn must honour its context.
// A deadline hit is reported as CodeTimeout; cancellation of the parent as
// CodeCanceled.
func WithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := fn(tctx)
	if err == nil {
		return nil
	}
	switch {
	case ctx.Err() != nil:
		return errors.New(errors.CodeCanceled, "operation canceled", ctx.Err())
	case tctx.Err() == context.DeadlineExceeded && !errors.HasCode(err, errors.CodeTimeout):
		return errors.New(errors.CodeTimeout, "operation exceeded timeout", err).
			WithContext("timeout", d.String()).
			WithRecoverable(true)
	}
	return err
}
