package feed

import (
	"context"
	"fmt"

	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/timeline"
)

// oldestScore returns the lowest score in the feed and its size.
func (m *Manager) oldestScore(ctx context.Context, kind Kind, id int64) (int64, int, error) {
	var oldest int64
	var card int
	err := m.store.View(ctx, func(tx *timeline.Tx) error {
		feed := tx.Set(Key(kind, id))
		var err error
		card, err = feed.Card()
		if err != nil || card == 0 {
			return err
		}
		entries, err := feed.RevRange(card-1, card-1)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			oldest = entries[0].Score
		}
		return nil
	})
	return oldest, card, err
}

// MergeIntoTimeline brings recent statuses of a newly followed account into
// the follower's home feed.
func (m *Manager) MergeIntoTimeline(ctx context.Context, fromAccountId, intoAccountId int64) error {
	window := m.opts.MaxItems / 4

	statuses, err := m.graph.ReadStatusesByAccount(ctx, fromAccountId, window)
	if err != nil {
		return fmt.Errorf("failed to read statuses of %d: %w", fromAccountId, err)
	}

	oldest, card, err := m.oldestScore(ctx, KindHome, intoAccountId)
	if err != nil {
		return err
	}
	// a full feed does not need anything older than what it holds
	if card < window {
		oldest = 0
	}

	for i := len(statuses) - 1; i >= 0; i-- {
		status := statuses[i]
		if status.Id <= oldest || status.Visibility == domain.VisibilityDirect {
			continue
		}
		filtered, err := m.Filter(ctx, KindHome, status, intoAccountId)
		if err != nil {
			return err
		}
		if filtered {
			continue
		}
		err = m.store.Update(ctx, func(tx *timeline.Tx) error {
			_, err := m.addToFeed(tx, KindHome, intoAccountId, status)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to merge status %d: %w", status.Id, err)
		}
	}

	return m.Trim(ctx, KindHome, intoAccountId)
}

// UnmergeFromTimeline takes an unfollowed account's statuses back out of
// the former follower's home feed. No events are published.
func (m *Manager) UnmergeFromTimeline(ctx context.Context, fromAccountId, intoAccountId int64) error {
	oldest, card, err := m.oldestScore(ctx, KindHome, intoAccountId)
	if err != nil || card == 0 {
		return err
	}

	statuses, err := m.graph.ReadStatusesByAccount(ctx, fromAccountId, m.opts.MaxItems)
	if err != nil {
		return fmt.Errorf("failed to read statuses of %d: %w", fromAccountId, err)
	}

	for _, status := range statuses {
		if status.Id < oldest {
			break
		}
		originalExists := false
		if status.IsReblog() {
			if originalExists, err = m.graph.StatusExists(ctx, status.ReblogOfId); err != nil {
				return err
			}
		}
		err := m.store.Update(ctx, func(tx *timeline.Tx) error {
			_, err := m.removeFromFeed(tx, KindHome, intoAccountId, status, originalExists)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to unmerge status %d: %w", status.Id, err)
		}
	}
	return nil
}

// ClearFromTimeline removes everything target wrote from the account's
// home feed, as after a block or mute.
func (m *Manager) ClearFromTimeline(ctx context.Context, accountId, targetAccountId int64) error {
	ids, err := m.Timeline(ctx, KindHome, accountId, m.opts.MaxItems)
	if err != nil || len(ids) == 0 {
		return err
	}

	statuses, err := m.graph.ReadStatusesByIds(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to read timeline statuses: %w", err)
	}
	for _, status := range statuses {
		if status.AccountId != targetAccountId {
			continue
		}
		if _, err := m.UnpushFromHome(ctx, accountId, status); err != nil {
			return err
		}
	}
	return nil
}
