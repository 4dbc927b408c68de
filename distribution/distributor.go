package distribution

import (
	"context"
	"errors"
	"fmt"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/feed"
	"github.com/deemkeen/mammut/serializer"
	"github.com/deemkeen/mammut/streaming"
	"go.uber.org/zap"
)

// Distributor delivers a freshly stored status to everyone who should see
// it: local feeds, public streams and remote followers.
type Distributor struct {
	conf   Config
	logger *zap.Logger
}

func NewDistributor(conf Config) (*Distributor, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}
	if conf.Logger == nil {
		conf.Logger = zap.NewNop()
	}
	return &Distributor{conf: conf, logger: conf.Logger}, nil
}

func (d *Distributor) Distribute(ctx context.Context, status *domain.Status) error {
	s := status
	if s.Account == nil || (s.IsReblog() && s.Reblog == nil) {
		hydrated, err := d.conf.DB.ReadStatusById(ctx, s.Id)
		if err != nil {
			return fmt.Errorf("failed to load status %d: %w", s.Id, err)
		}
		s = hydrated
	}
	if s.Account == nil || s.Account.Suspended {
		return nil
	}

	mentioned, err := d.conf.DB.ReadAccountsByIds(ctx, s.Mentions)
	if err != nil {
		return fmt.Errorf("failed to read mentioned accounts: %w", err)
	}

	if err := d.fanOut(ctx, s, mentioned); err != nil {
		return err
	}
	if err := d.broadcast(s); err != nil {
		return err
	}
	if s.Local && s.Account.IsLocal() {
		if err := d.federate(ctx, s, mentioned); err != nil {
			return err
		}
	}

	d.logger.Debug("Distributor: distributed status", zap.Int64("status", s.Id), zap.String("account", s.Account.Acct()))
	return nil
}

// fanOut pushes s into local home, list and mentions feeds on the worker
// pool.
func (d *Distributor) fanOut(ctx context.Context, s *domain.Status, mentioned map[int64]*domain.Account) error {
	feeds := d.conf.Feeds
	batch := d.conf.Pool.Group(ctx)

	push := func(kind feed.Kind, feedId, receiverId int64) {
		batch.Go(func(ctx context.Context) error {
			filtered, err := feeds.Filter(ctx, kind, s, receiverId)
			if err != nil || filtered {
				return err
			}
			_, err = feeds.Push(ctx, kind, feedId, s)
			return err
		})
	}

	author := s.Account
	if author.IsLocal() {
		batch.Go(func(ctx context.Context) error {
			_, err := feeds.PushToHome(ctx, author.Id, s)
			return err
		})
	}

	if s.Visibility == domain.VisibilityDirect {
		for id, acc := range mentioned {
			if acc.IsLocal() && id != author.Id {
				push(feed.KindHome, id, id)
			}
		}
	} else {
		followerIds, err := d.conf.DB.ReadLocalFollowerIds(ctx, author.Id)
		if err != nil {
			batch.Wait()
			return fmt.Errorf("failed to read local followers: %w", err)
		}
		for _, id := range followerIds {
			if id != author.Id {
				push(feed.KindHome, id, id)
			}
		}

		lists, err := d.conf.DB.ReadListsContaining(ctx, author.Id)
		if err != nil {
			batch.Wait()
			return fmt.Errorf("failed to read lists: %w", err)
		}
		for _, list := range lists {
			push(feed.KindList, list.Id, list.AccountId)
		}
	}

	for id, acc := range mentioned {
		if acc.IsLocal() && id != author.Id {
			push(feed.KindMentions, id, id)
		}
	}

	if err := batch.Wait(); err != nil {
		return fmt.Errorf("failed to fan out status %d: %w", s.Id, err)
	}
	return nil
}

// broadcast publishes public originals on the public and hashtag streams.
// Silenced authors only reach their followers.
func (d *Distributor) broadcast(s *domain.Status) error {
	if !s.IsPublic() || s.IsReblog() || s.Account.Silenced {
		return nil
	}
	rendered, err := serializer.RenderStatus(s)
	if err != nil {
		return fmt.Errorf("failed to render status %d: %w", s.Id, err)
	}
	event := streaming.UpdateEvent(rendered)
	for _, channel := range publicChannels(s) {
		d.conf.Publisher.Publish(channel, event)
	}
	return nil
}

// federate queues one signed Create or Announce for every remote inbox
// that should receive s.
func (d *Distributor) federate(ctx context.Context, s *domain.Status, mentioned map[int64]*domain.Account) error {
	var (
		doc     map[string]interface{}
		targets inboxSet
	)

	if s.IsReblog() {
		if s.Reblog == nil || s.Reblog.Account == nil {
			return fmt.Errorf("reblog %d lost its original", s.Id)
		}
		doc = serializer.Announce(s)
		targets.add(s.Reblog.Account)
	} else {
		mentionedURIs := make([]string, 0, len(s.Mentions))
		for _, id := range s.Mentions {
			if acc, ok := mentioned[id]; ok {
				mentionedURIs = append(mentionedURIs, acc.URI)
			}
		}
		inReplyTo, err := d.parentURI(ctx, s)
		if err != nil {
			return err
		}
		doc = serializer.Create(s, mentionedURIs, inReplyTo)
	}

	if s.Visibility != domain.VisibilityDirect {
		if err := remoteFollowerInboxes(ctx, d.conf.DB, s.AccountId, &targets); err != nil {
			return err
		}
	}
	for _, id := range s.Mentions {
		targets.add(mentioned[id])
	}
	if len(targets.inboxes) == 0 {
		return nil
	}

	payload, err := newSigner().sign(s.Account, doc)
	if err != nil {
		return err
	}
	return d.conf.Outbox.Enqueue(ctx, s.Account, targets.inboxes, payload)
}

func (d *Distributor) parentURI(ctx context.Context, s *domain.Status) (string, error) {
	if s.InReplyToId == 0 {
		return "", nil
	}
	parent, err := d.conf.DB.ReadStatusById(ctx, s.InReplyToId)
	if errors.Is(err, db.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read parent of %d: %w", s.Id, err)
	}
	return parent.URI, nil
}
