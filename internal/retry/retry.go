// Package retry provides the single named retry policy applied to sensor
// reads and external I/O: a fixed number of attempts with a fixed delay
// between them. Call sites parameterize the policy instead of writing
// their own retry loops.
package retry

import (
	"context"
	"time"
)

// Task is a function to execute under a retry policy. Cond decides, per
// error, whether another attempt is worthwhile; a nil Cond retries every
// error.
type Task struct {
	Name string
	Exec func(context.Context) error
	Cond func(error) bool
}

// Policy is a fixed-backoff retry strategy.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Backoff is the fixed delay between attempts.
	Backoff time.Duration
}

// Do runs the task until it succeeds, the attempts are exhausted, the
// error is not retryable, or ctx is done. It returns the last error.
func (p Policy) Do(ctx context.Context, log func(msg string, args ...any), task Task) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for try := 1; ; try++ {
		err = task.Exec(ctx)
		if err == nil {
			return nil
		}

		retryable := task.Cond == nil || task.Cond(err)
		if try >= attempts || !retryable || ctx.Err() != nil {
			return err
		}

		if log != nil {
			log("retrying", "task", task.Name, "attempt", try, "of", attempts, "error", err)
		}

		select {
		case <-time.After(p.Backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
