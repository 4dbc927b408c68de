package feed

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/metrics"
	"github.com/deemkeen/mammut/serializer"
	"github.com/deemkeen/mammut/streaming"
	"github.com/deemkeen/mammut/timeline"
	"go.uber.org/zap"
)

type Kind string

const (
	KindHome     Kind = "home"
	KindMentions Kind = "mentions"
	KindList     Kind = "list"
)

var ErrUnknownFeed = errors.New("unknown feed kind")

func (k Kind) valid() bool {
	switch k {
	case KindHome, KindMentions, KindList:
		return true
	}
	return false
}

const (
	DefaultMaxItems      = 400
	DefaultReblogFalloff = 40
	maxReplyDepth        = 16
)

type Options struct {
	MaxItems      int // timeline cap
	ReblogFalloff int // insertions after which a suppressed reblog may surface again
	Metrics       *metrics.Metrics
}

// Graph is the read-only view of the social graph and status storage the
// manager decides eligibility with.
type Graph interface {
	Follows(ctx context.Context, accountId, targetId int64) (bool, error)
	BlocksAny(ctx context.Context, accountId int64, targetIds []int64) (bool, error)
	MutesAny(ctx context.Context, accountId int64, targetIds []int64) (bool, error)
	DomainBlocked(ctx context.Context, accountId int64, domainName string) (bool, error)
	ReadAccountById(ctx context.Context, id int64) (*domain.Account, error)
	ReadStatusById(ctx context.Context, id int64) (*domain.Status, error)
	ReadStatusesByIds(ctx context.Context, ids []int64) ([]*domain.Status, error)
	ReadStatusesByAccount(ctx context.Context, accountId int64, limit int) ([]*domain.Status, error)
	HomeTimelineCandidates(ctx context.Context, accountId int64, limit int) ([]*domain.Status, error)
	StatusExists(ctx context.Context, id int64) (bool, error)
}

// Manager owns every precomputed feed. It is safe for concurrent use; all
// bookkeeping for one feed happens inside a single store transaction.
type Manager struct {
	store     *timeline.Store
	graph     Graph
	publisher streaming.Publisher
	opts      Options
	logger    *zap.Logger
}

func NewManager(store *timeline.Store, graph Graph, publisher streaming.Publisher, opts Options, logger *zap.Logger) (*Manager, error) {
	if opts.MaxItems == 0 {
		opts.MaxItems = DefaultMaxItems
	}
	if opts.ReblogFalloff == 0 {
		opts.ReblogFalloff = DefaultReblogFalloff
	}
	if opts.ReblogFalloff < 0 || opts.ReblogFalloff > opts.MaxItems {
		return nil, fmt.Errorf("reblog fall-off %d must be between 1 and %d", opts.ReblogFalloff, opts.MaxItems)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, graph: graph, publisher: publisher, opts: opts, logger: logger}, nil
}

func (m *Manager) Options() Options {
	return m.opts
}

// Key names the ordered set holding the feed.
func Key(kind Kind, id int64) string {
	return fmt.Sprintf("feed:%s:%d", kind, id)
}

// ReblogKey names the set tracking which originals were recently reblogged
// into the feed, scored by the reblog that brought them in.
func ReblogKey(kind Kind, id int64) string {
	return Key(kind, id) + ":reblogs"
}

func channel(kind Kind, id int64) string {
	switch kind {
	case KindMentions:
		return streaming.MentionsChannel(id)
	case KindList:
		return streaming.ListChannel(id)
	default:
		return streaming.TimelineChannel(id)
	}
}

// Push inserts status into the feed subject to the reblog dedup window,
// trims the feed and publishes an update event. It reports whether the
// status was inserted. Eligibility is the caller's business, see Filter.
func (m *Manager) Push(ctx context.Context, kind Kind, id int64, status *domain.Status) (bool, error) {
	if !kind.valid() {
		return false, ErrUnknownFeed
	}

	var inserted bool
	err := m.store.Update(ctx, func(tx *timeline.Tx) error {
		var err error
		inserted, err = m.addToFeed(tx, kind, id, status)
		if err != nil || !inserted {
			return err
		}
		return m.trim(tx, kind, id)
	})
	if err != nil {
		return false, fmt.Errorf("failed to push status %d to %s: %w", status.Id, Key(kind, id), err)
	}
	m.opts.Metrics.ObservePush(string(kind), inserted)
	if !inserted {
		return false, nil
	}

	payload, err := serializer.RenderStatus(status)
	if err != nil {
		m.logger.Warn("Feed: failed to render status for stream", zap.Int64("status_id", status.Id), zap.Error(err))
		return true, nil
	}
	m.publisher.Publish(channel(kind, id), streaming.UpdateEvent(payload))
	return true, nil
}

// Unpush removes status from the feed and publishes a delete event. When a
// reblog goes, its original takes the reblog's place unless the original is
// already in the feed or no longer exists.
func (m *Manager) Unpush(ctx context.Context, kind Kind, id int64, status *domain.Status) (bool, error) {
	if !kind.valid() {
		return false, ErrUnknownFeed
	}

	originalExists := false
	if status.IsReblog() {
		var err error
		originalExists, err = m.graph.StatusExists(ctx, status.ReblogOfId)
		if err != nil {
			return false, fmt.Errorf("failed to look up original %d: %w", status.ReblogOfId, err)
		}
	}

	var removed bool
	err := m.store.Update(ctx, func(tx *timeline.Tx) error {
		var err error
		removed, err = m.removeFromFeed(tx, kind, id, status, originalExists)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to unpush status %d from %s: %w", status.Id, Key(kind, id), err)
	}
	m.opts.Metrics.ObserveUnpush(string(kind), removed)
	if !removed {
		return false, nil
	}

	m.publisher.Publish(channel(kind, id), streaming.DeleteEvent(status.Id))
	return true, nil
}

func (m *Manager) PushToHome(ctx context.Context, accountId int64, status *domain.Status) (bool, error) {
	return m.Push(ctx, KindHome, accountId, status)
}

func (m *Manager) UnpushFromHome(ctx context.Context, accountId int64, status *domain.Status) (bool, error) {
	return m.Unpush(ctx, KindHome, accountId, status)
}

func (m *Manager) PushToList(ctx context.Context, listId int64, status *domain.Status) (bool, error) {
	return m.Push(ctx, KindList, listId, status)
}

func (m *Manager) UnpushFromList(ctx context.Context, listId int64, status *domain.Status) (bool, error) {
	return m.Unpush(ctx, KindList, listId, status)
}

func (m *Manager) PushToMentions(ctx context.Context, accountId int64, status *domain.Status) (bool, error) {
	return m.Push(ctx, KindMentions, accountId, status)
}

// Trim caps the feed at MaxItems and forgets reblog tracking that fell
// out of the dedup window.
func (m *Manager) Trim(ctx context.Context, kind Kind, id int64) error {
	if !kind.valid() {
		return ErrUnknownFeed
	}
	return m.store.Update(ctx, func(tx *timeline.Tx) error {
		return m.trim(tx, kind, id)
	})
}

// Timeline returns up to limit status ids from the feed, newest first.
func (m *Manager) Timeline(ctx context.Context, kind Kind, id int64, limit int) ([]int64, error) {
	if !kind.valid() {
		return nil, ErrUnknownFeed
	}
	var ids []int64
	err := m.store.View(ctx, func(tx *timeline.Tx) error {
		entries, err := tx.Set(Key(kind, id)).RevRange(0, limit-1)
		if err != nil {
			return err
		}
		ids = make([]int64, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.Member)
		}
		return nil
	})
	return ids, err
}

func (m *Manager) addToFeed(tx *timeline.Tx, kind Kind, id int64, status *domain.Status) (bool, error) {
	feed := tx.Set(Key(kind, id))
	reblogs := tx.Set(ReblogKey(kind, id))

	if status.IsReblog() {
		// the original is still recent enough to be seen on its own
		rank, present, err := feed.RevRank(status.ReblogOfId)
		if err != nil {
			return false, err
		}
		if present && rank < m.opts.ReblogFalloff {
			return false, nil
		}

		// another reblog of the same original is still being tracked
		_, tracked, err := reblogs.Score(status.ReblogOfId)
		if err != nil || tracked {
			return false, err
		}

		if _, err := feed.Add(status.Id, status.Id); err != nil {
			return false, err
		}
		if _, err := reblogs.Add(status.ReblogOfId, status.Id); err != nil {
			return false, err
		}
		return true, nil
	}

	// a reblog already brought this status into the feed
	_, tracked, err := reblogs.Score(status.Id)
	if err != nil || tracked {
		return false, err
	}
	return feed.AddNX(status.Id, status.Id)
}

func (m *Manager) removeFromFeed(tx *timeline.Tx, kind Kind, id int64, status *domain.Status, originalExists bool) (bool, error) {
	feed := tx.Set(Key(kind, id))
	reblogs := tx.Set(ReblogKey(kind, id))

	if !status.IsReblog() {
		if _, err := reblogs.Remove(status.Id); err != nil {
			return false, err
		}
		return feed.Remove(status.Id)
	}

	score, present, err := feed.Score(status.Id)
	if err != nil || !present {
		return false, err
	}
	if _, err := reblogs.Remove(status.ReblogOfId); err != nil {
		return false, err
	}
	if originalExists {
		if _, err := feed.AddNX(status.ReblogOfId, score); err != nil {
			return false, err
		}
	}
	return feed.Remove(status.Id)
}

func (m *Manager) trim(tx *timeline.Tx, kind Kind, id int64) error {
	feed := tx.Set(Key(kind, id))
	if _, err := feed.TrimToNewest(m.opts.MaxItems); err != nil {
		return err
	}

	falloff, err := feed.RevRange(m.opts.ReblogFalloff-1, m.opts.ReblogFalloff-1)
	if err != nil {
		return err
	}
	if len(falloff) == 0 {
		return nil
	}
	_, err = tx.Set(ReblogKey(kind, id)).RemoveRangeByScore(math.MinInt64, falloff[0].Score)
	return err
}
