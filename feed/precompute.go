package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/deemkeen/mammut/timeline"
	"go.uber.org/zap"
)

// Precompute rebuilds an account's home feed from storage. The feed is
// emptied first, then candidates are replayed oldest first through the same
// eligibility and dedup path a live push takes. Nothing is published.
func (m *Manager) Precompute(ctx context.Context, accountId int64) error {
	start := time.Now()
	defer m.opts.Metrics.ObservePrecompute(start)

	candidates, err := m.graph.HomeTimelineCandidates(ctx, accountId, m.opts.MaxItems)
	if err != nil {
		return fmt.Errorf("failed to read home timeline candidates: %w", err)
	}

	err = m.store.Update(ctx, func(tx *timeline.Tx) error {
		if _, err := tx.Set(Key(KindHome, accountId)).Clear(); err != nil {
			return err
		}
		_, err := tx.Set(ReblogKey(KindHome, accountId)).Clear()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to clear home feed: %w", err)
	}

	added := 0
	for i := len(candidates) - 1; i >= 0; i-- {
		status := candidates[i]
		filtered, err := m.Filter(ctx, KindHome, status, accountId)
		if err != nil {
			return fmt.Errorf("failed to filter status %d: %w", status.Id, err)
		}
		if filtered {
			continue
		}

		var inserted bool
		err = m.store.Update(ctx, func(tx *timeline.Tx) error {
			var err error
			inserted, err = m.addToFeed(tx, KindHome, accountId, status)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to add status %d: %w", status.Id, err)
		}
		if inserted {
			added++
		}
	}

	if err := m.Trim(ctx, KindHome, accountId); err != nil {
		return fmt.Errorf("failed to trim home feed: %w", err)
	}

	m.logger.Info("Feed: precomputed home feed",
		zap.Int64("account_id", accountId),
		zap.Int("candidates", len(candidates)),
		zap.Int("added", added),
		zap.Duration("took", time.Since(start)))
	return nil
}
