package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"feedhandler/infra/journal"
)

// StartRetentionJob trims the journal to its newest keep closed segments
// every interval, until ctx is done.
func StartRetentionJob(
	ctx context.Context,
	jnl *journal.Journal,
	keep int,
	interval time.Duration,
	log *zap.Logger,
) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := jnl.RetainSegments(keep); err != nil {
					log.Warn("journal retention failed", zap.Error(err))
				}
			}
		}
	}()
}
