package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Limits applied to a command.
type retryPolicy struct {
	timeout time.Duration // Per-attempt timeout; zero means none.
	retries int           // Additional attempts after the first failure.
}

// Runs argv in a session.
//
// Each attempt is bounded by the policy timeout. Failed attempts are
// retried with backoff up to the policy limit. Cancelling ctx stops
// retrying immediately.
func runCommand(ctx context.Context, sess Session, argv, env []string, workdir string, policy retryPolicy, newBackOff func() backoff.BackOff) error {
	attempt := 0

	op := func() error {
		attempt++

		actx, cancel := ctx, context.CancelFunc(func() {})
		if policy.timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, policy.timeout)
		}
		defer cancel()

		result, err := sess.Exec(actx, argv, env, workdir)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if errors.Is(actx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: timed out after %s", ErrCommandFailed, policy.timeout)
			}
			return fmt.Errorf("%w: %w", ErrExecutor, err)
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("%w: exit code %d: %s", ErrCommandFailed, result.ExitCode, lastLines(result.Stderr, 5))
		}
		return nil
	}

	if policy.retries <= 0 {
		return op()
	}

	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), uint64(policy.retries)), ctx)
	return backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		slog.Warn("command failed, retrying",
			"attempt", attempt,
			"of", policy.retries+1,
			"wait", wait,
			"error", err,
		)
	})
}

// Returns the last n non-empty lines of s.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
