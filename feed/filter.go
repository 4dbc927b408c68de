package feed

import (
	"context"
	"errors"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
)

// Filter reports whether status must be kept out of the receiver's feed of
// the given kind. List feeds follow the home rules for the list owner.
func (m *Manager) Filter(ctx context.Context, kind Kind, status *domain.Status, receiverId int64) (bool, error) {
	switch kind {
	case KindHome, KindList:
		return m.filterFromHome(ctx, status, receiverId)
	case KindMentions:
		return m.filterFromMentions(ctx, status, receiverId)
	}
	return false, ErrUnknownFeed
}

func (m *Manager) filterFromHome(ctx context.Context, status *domain.Status, receiverId int64) (bool, error) {
	if status.AccountId == receiverId {
		return false, nil
	}

	following, err := m.graph.Follows(ctx, receiverId, status.AccountId)
	if err != nil {
		return false, err
	}
	if !following && !status.MentionsAccount(receiverId) {
		return true, nil
	}

	original, err := m.original(ctx, status)
	if err != nil || original == nil {
		// a reblog of something that no longer exists shows nothing
		return original == nil, err
	}

	checkForMutes := append([]int64{status.AccountId}, status.Mentions...)
	checkForBlocks := append([]int64{status.AccountId}, status.Mentions...)
	if status.IsReblog() {
		checkForMutes = append(checkForMutes, original.AccountId)
		checkForBlocks = append(checkForBlocks, original.AccountId)
		checkForMutes = append(checkForMutes, original.Mentions...)
		checkForBlocks = append(checkForBlocks, original.Mentions...)
	}
	if hit, err := m.graph.MutesAny(ctx, receiverId, checkForMutes); err != nil || hit {
		return hit, err
	}
	if hit, err := m.graph.BlocksAny(ctx, receiverId, checkForBlocks); err != nil || hit {
		return hit, err
	}

	if status.Reply {
		return m.filterReply(ctx, status, receiverId, 0)
	}

	if status.IsReblog() {
		return m.filterReblog(ctx, status, original, receiverId)
	}
	return false, nil
}

// filterReply keeps replies addressed to the receiver or to someone the
// receiver follows. Self-replies are judged by the thread they continue.
func (m *Manager) filterReply(ctx context.Context, status *domain.Status, receiverId int64, depth int) (bool, error) {
	if status.InReplyToId == 0 || status.InReplyToAccountId == 0 {
		return true, nil
	}
	if status.InReplyToAccountId == receiverId {
		return false, nil
	}
	if status.InReplyToAccountId != status.AccountId {
		following, err := m.graph.Follows(ctx, receiverId, status.InReplyToAccountId)
		return !following, err
	}

	if depth >= maxReplyDepth {
		return false, nil
	}
	parent, err := m.graph.ReadStatusById(ctx, status.InReplyToId)
	if errors.Is(err, db.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !parent.Reply {
		return false, nil
	}
	return m.filterReply(ctx, parent, receiverId, depth+1)
}

func (m *Manager) filterReblog(ctx context.Context, reblog, original *domain.Status, receiverId int64) (bool, error) {
	originalAuthor, err := m.author(ctx, original)
	if err != nil {
		return false, err
	}
	reblogger, err := m.author(ctx, reblog)
	if err != nil {
		return false, err
	}

	for _, acc := range []*domain.Account{originalAuthor, reblogger} {
		if acc == nil || acc.IsLocal() {
			continue
		}
		hidden, err := m.graph.DomainBlocked(ctx, receiverId, acc.Domain)
		if err != nil || hidden {
			return hidden, err
		}
	}

	return m.graph.BlocksAny(ctx, original.AccountId, []int64{receiverId})
}

func (m *Manager) filterFromMentions(ctx context.Context, status *domain.Status, receiverId int64) (bool, error) {
	if status.AccountId == receiverId {
		return true, nil
	}

	checkFor := append([]int64{status.AccountId}, status.Mentions...)
	if status.InReplyToAccountId != 0 {
		checkFor = append(checkFor, status.InReplyToAccountId)
	}
	if hit, err := m.graph.BlocksAny(ctx, receiverId, checkFor); err != nil || hit {
		return hit, err
	}
	if hit, err := m.graph.MutesAny(ctx, receiverId, checkFor); err != nil || hit {
		return hit, err
	}

	author, err := m.author(ctx, status)
	if err != nil {
		return false, err
	}
	if author != nil && author.Silenced {
		following, err := m.graph.Follows(ctx, receiverId, status.AccountId)
		return !following, err
	}
	return false, nil
}

func (m *Manager) author(ctx context.Context, status *domain.Status) (*domain.Account, error) {
	if status.Account != nil {
		return status.Account, nil
	}
	acc, err := m.graph.ReadAccountById(ctx, status.AccountId)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	return acc, err
}

// original returns the reblogged status, loading it when not attached, or
// status itself for non-reblogs. It returns nil when the original is gone.
func (m *Manager) original(ctx context.Context, status *domain.Status) (*domain.Status, error) {
	if !status.IsReblog() {
		return status, nil
	}
	if status.Reblog != nil {
		return status.Reblog, nil
	}
	original, err := m.graph.ReadStatusById(ctx, status.ReblogOfId)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	return original, err
}
