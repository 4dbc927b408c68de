package distribution

import (
	"context"
	"fmt"

	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/feed"
	"github.com/deemkeen/mammut/serializer"
	"github.com/deemkeen/mammut/streaming"
	"go.uber.org/zap"
)

// BatchedRemover deletes statuses together with their reblogs, takes them
// out of every feed and stream they reached and tells remote servers.
type BatchedRemover struct {
	conf   Config
	logger *zap.Logger
}

func NewBatchedRemover(conf Config) (*BatchedRemover, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}
	if conf.Logger == nil {
		conf.Logger = zap.NewNop()
	}
	return &BatchedRemover{conf: conf, logger: conf.Logger}, nil
}

type retraction struct {
	sender  *domain.Account
	inboxes []string
	payload []byte
}

func (r *BatchedRemover) Remove(ctx context.Context, statuses []*domain.Status) error {
	if len(statuses) == 0 {
		return nil
	}

	all, err := r.expand(ctx, statuses)
	if err != nil {
		return err
	}

	events := make(map[int64][]byte, len(all))
	ids := make([]int64, 0, len(all))
	var mentionIds []int64
	for _, s := range all {
		events[s.Id] = streaming.DeleteEvent(s.Id)
		ids = append(ids, s.Id)
		mentionIds = append(mentionIds, s.Mentions...)
	}
	mentioned, err := r.conf.DB.ReadAccountsByIds(ctx, mentionIds)
	if err != nil {
		return fmt.Errorf("failed to read mentioned accounts: %w", err)
	}

	if err := r.conf.DB.DeleteStatuses(ctx, ids); err != nil {
		return fmt.Errorf("failed to delete statuses: %w", err)
	}

	if err := r.unpush(ctx, all, mentioned); err != nil {
		return err
	}

	// payloads are built only once the statuses are gone from storage
	retractions, err := r.retractions(ctx, all, mentioned)
	if err != nil {
		return err
	}

	for _, retraction := range retractions {
		if err := r.conf.Outbox.Enqueue(ctx, retraction.sender, retraction.inboxes, retraction.payload); err != nil {
			return err
		}
	}

	for _, s := range all {
		if !s.IsPublic() || s.IsReblog() {
			continue
		}
		for _, channel := range publicChannels(s) {
			r.conf.Publisher.Publish(channel, events[s.Id])
		}
	}

	r.logger.Debug("Remover: removed statuses", zap.Int("requested", len(statuses)), zap.Int("removed", len(all)))
	return nil
}

// expand returns the statuses, freshly read where they still exist, followed
// by every reblog of them.
func (r *BatchedRemover) expand(ctx context.Context, statuses []*domain.Status) ([]*domain.Status, error) {
	ids := make([]int64, 0, len(statuses))
	for _, s := range statuses {
		ids = append(ids, s.Id)
	}

	stored, err := r.conf.DB.ReadStatusesByIds(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to read statuses: %w", err)
	}
	reblogs, err := r.conf.DB.ReadReblogsOf(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to read reblogs: %w", err)
	}

	byId := make(map[int64]*domain.Status, len(stored))
	for _, s := range stored {
		byId[s.Id] = s
	}

	seen := make(map[int64]bool, len(statuses)+len(reblogs))
	all := make([]*domain.Status, 0, len(statuses)+len(reblogs))
	for _, s := range statuses {
		if seen[s.Id] {
			continue
		}
		seen[s.Id] = true
		if fresh, ok := byId[s.Id]; ok {
			s = fresh
		}
		all = append(all, s)
	}
	for _, s := range reblogs {
		if !seen[s.Id] {
			seen[s.Id] = true
			all = append(all, s)
		}
	}
	return all, nil
}

// retractions builds one signed Delete or Undo per status of a local
// author, addressed to every remote server that may hold a copy.
func (r *BatchedRemover) retractions(ctx context.Context, all []*domain.Status, mentioned map[int64]*domain.Account) ([]retraction, error) {
	rebloggers := make(map[int64][]*domain.Account)
	for _, s := range all {
		if s.IsReblog() && s.Account != nil {
			rebloggers[s.ReblogOfId] = append(rebloggers[s.ReblogOfId], s.Account)
		}
	}

	sign := newSigner()
	followerInboxes := make(map[int64]*inboxSet)
	var out []retraction
	for _, s := range all {
		author := s.Account
		if author == nil || !author.IsLocal() || s.URI == "" {
			continue
		}

		var doc map[string]interface{}
		if s.IsReblog() {
			if s.Reblog == nil {
				continue
			}
			doc = serializer.UndoAnnounce(s)
		} else {
			doc = serializer.Delete(s)
		}

		followers, ok := followerInboxes[author.Id]
		if !ok {
			followers = &inboxSet{}
			if err := remoteFollowerInboxes(ctx, r.conf.DB, author.Id, followers); err != nil {
				return nil, err
			}
			followerInboxes[author.Id] = followers
		}

		var targets inboxSet
		for _, inbox := range followers.inboxes {
			targets.addInbox(inbox)
		}
		for _, id := range s.Mentions {
			targets.add(mentioned[id])
		}
		for _, acc := range rebloggers[s.Id] {
			targets.add(acc)
		}
		if s.IsReblog() && s.Reblog.Account != nil {
			targets.add(s.Reblog.Account)
		}
		if len(targets.inboxes) == 0 {
			continue
		}

		payload, err := sign.sign(author, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, retraction{sender: author, inboxes: targets.inboxes, payload: payload})
	}
	return out, nil
}

// unpush takes every status out of the home feeds of its author's local
// followers, out of lists containing the author and out of mentions feeds.
func (r *BatchedRemover) unpush(ctx context.Context, all []*domain.Status, mentioned map[int64]*domain.Account) error {
	byAccount := make(map[int64][]*domain.Status)
	var order []int64
	for _, s := range all {
		if _, ok := byAccount[s.AccountId]; !ok {
			order = append(order, s.AccountId)
		}
		byAccount[s.AccountId] = append(byAccount[s.AccountId], s)
	}

	feeds := r.conf.Feeds
	batch := r.conf.Pool.Group(ctx)
	type target struct {
		kind     feed.Kind
		feedId   int64
		statusId int64
	}
	scheduled := make(map[target]bool)
	unpush := func(kind feed.Kind, feedId int64, s *domain.Status) {
		key := target{kind, feedId, s.Id}
		if scheduled[key] {
			return
		}
		scheduled[key] = true
		batch.Go(func(ctx context.Context) error {
			_, err := feeds.Unpush(ctx, kind, feedId, s)
			return err
		})
	}

	for _, accountId := range order {
		group := byAccount[accountId]

		receivers, err := r.conf.DB.ReadLocalFollowerIds(ctx, accountId)
		if err != nil {
			batch.Wait()
			return fmt.Errorf("failed to read local followers: %w", err)
		}
		if author := group[0].Account; author != nil && author.IsLocal() {
			receivers = append(receivers, accountId)
		}
		lists, err := r.conf.DB.ReadListsContaining(ctx, accountId)
		if err != nil {
			batch.Wait()
			return fmt.Errorf("failed to read lists: %w", err)
		}

		for _, s := range group {
			for _, id := range receivers {
				unpush(feed.KindHome, id, s)
			}
			for _, list := range lists {
				unpush(feed.KindList, list.Id, s)
			}
			for _, id := range s.Mentions {
				if acc, ok := mentioned[id]; ok && acc.IsLocal() {
					unpush(feed.KindMentions, id, s)
					if s.Visibility == domain.VisibilityDirect {
						unpush(feed.KindHome, id, s)
					}
				}
			}
		}
	}

	if err := batch.Wait(); err != nil {
		return fmt.Errorf("failed to unpush statuses: %w", err)
	}
	return nil
}
