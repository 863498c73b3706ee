package store

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/floodbayes/internal/log"
	"github.com/lox/floodbayes/internal/metrics"
)

// maxRetryElapsed bounds how long a write waits on a locked database.
const maxRetryElapsed = 30 * time.Second

// retry runs op, retrying with exponential backoff while SQLite reports the
// database as busy or locked. Any other error is returned immediately.
func (s *Store) retry(op func() error) error {
	operation := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return backoff.Permanent(err)
		}
		metrics.StoreRetries.Inc()
		log.Debugw("sqlite busy, retrying", "error", err)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxElapsedTime = maxRetryElapsed
	return backoff.Retry(operation, bo)
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked")
}
