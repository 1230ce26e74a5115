// Package poll drives submit-then-poll vendor workflows to a terminal result.
//
// Image and video vendors commonly answer a generation request with a job
// id and expect the client to ask "is it done yet?" until it is. Until is
// the one loop every such integration shares:
//
//	result, err := poll.Until(ctx, fetchJob, isFinished, poll.Options{
//	    Interval:    2 * time.Second,
//	    Timeout:     5 * time.Minute,
//	})
//
// The loop owns nothing beyond its own counters, so any number of polls can
// run concurrently.
package poll

import (
	"context"
	"fmt"
	"time"

	"github.com/howard-nolan/modelgate/internal/gwerr"
)

// Options bounds a poll loop.
type Options struct {
	// Interval is the wait between attempts. It must be positive.
	Interval time.Duration

	// Timeout bounds the total time measured from the first attempt.
	// Zero means no time bound.
	Timeout time.Duration

	// MaxAttempts bounds the number of pollFn invocations. Zero means no
	// attempt bound. With both bounds zero the loop runs until ctx is
	// cancelled; callers opt into that explicitly.
	MaxAttempts int
}

// Until calls pollFn until isTerminal reports true for its result and
// returns that result.
//
// Errors:
//   - gwerr.KindInvalidArgument if opts.Interval <= 0 (pollFn is never called)
//   - gwerr.KindPollingMaxAttempts after MaxAttempts non-terminal results
//   - gwerr.KindPollingTimeout once Timeout has elapsed since the first attempt
//   - gwerr.KindCancelled when ctx is done, including during the wait
//   - any error from pollFn, wrapped; it is not retried
func Until[T any](ctx context.Context, pollFn func(context.Context) (T, error), isTerminal func(T) bool, opts Options) (T, error) {
	var zero T

	if opts.Interval <= 0 {
		return zero, gwerr.New(gwerr.KindInvalidArgument, "poll interval must be positive, got %s", opts.Interval)
	}
	if opts.MaxAttempts < 0 || opts.Timeout < 0 {
		return zero, gwerr.New(gwerr.KindInvalidArgument, "poll bounds must not be negative")
	}

	// One timer for the whole loop, re-armed each iteration, so a long poll
	// doesn't allocate a timer per attempt.
	timer := time.NewTimer(opts.Interval)
	timer.Stop()
	defer timer.Stop()

	var (
		attempts int
		start    time.Time
	)

	for {
		if err := gwerr.FromContext(ctx); err != nil {
			return zero, err
		}

		if attempts == 0 {
			start = time.Now()
		}
		attempts++

		result, err := pollFn(ctx)
		if err != nil {
			// A cancelled ctx usually surfaces as a transport error from
			// pollFn; report it as the cancellation it is.
			if ctxErr := gwerr.FromContext(ctx); ctxErr != nil {
				return zero, ctxErr
			}
			return zero, fmt.Errorf("poll attempt %d: %w", attempts, err)
		}

		if isTerminal(result) {
			return result, nil
		}

		if opts.MaxAttempts > 0 && attempts >= opts.MaxAttempts {
			return zero, gwerr.New(gwerr.KindPollingMaxAttempts,
				"job not finished after %d attempts", attempts)
		}
		if opts.Timeout > 0 && time.Since(start) >= opts.Timeout {
			return zero, gwerr.New(gwerr.KindPollingTimeout,
				"job not finished after %s (%d attempts)", opts.Timeout, attempts)
		}

		timer.Reset(opts.Interval)
		select {
		case <-ctx.Done():
			return zero, gwerr.Cancelled(ctx.Err())
		case <-timer.C:
		}
	}
}
