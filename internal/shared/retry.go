package shared

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetrySQLite runs op, retrying with exponential backoff while it fails with
// a SQLite contention error. Other errors are returned immediately.
func RetrySQLite(ctx context.Context, maxRetries int, baseDelay time.Duration, name string, op func() error) error {
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms with the default base
		slog.Debug("Database locked, retrying", "op", name, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", name, err)
}
