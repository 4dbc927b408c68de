// Package distribution fans statuses out to feeds, streaming channels and
// remote inboxes, and takes them back out again.
package distribution

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/feed"
	"github.com/deemkeen/mammut/serializer"
	"github.com/deemkeen/mammut/streaming"
	"github.com/deemkeen/mammut/util"
	"github.com/deemkeen/mammut/worker"
	"go.uber.org/zap"
)

var errIncomplete = errors.New("distribution is missing a dependency")

type Config struct {
	DB        *db.DB
	Feeds     *feed.Manager
	Publisher streaming.Publisher
	Pool      *worker.Pool
	Outbox    *activitypub.Outbox
	Logger    *zap.Logger
}

func (c Config) validate() error {
	if c.DB == nil || c.Feeds == nil || c.Publisher == nil || c.Pool == nil || c.Outbox == nil {
		return errIncomplete
	}
	return nil
}

// publicChannels lists every streaming channel a public status shows up
// on, each at most once.
func publicChannels(s *domain.Status) []string {
	seen := make(map[string]bool)
	var channels []string
	add := func(channel string) {
		if !seen[channel] {
			seen[channel] = true
			channels = append(channels, channel)
		}
	}

	add(streaming.PublicChannel(false))
	if s.Local {
		add(streaming.PublicChannel(true))
	}
	for _, tag := range s.Tags {
		add(streaming.HashtagChannel(tag, false))
		if s.Local {
			add(streaming.HashtagChannel(tag, true))
		}
	}
	return channels
}

// signer signs payloads on behalf of local accounts, parsing each private
// key once.
type signer struct {
	keys map[int64]*rsa.PrivateKey
	now  time.Time
}

func newSigner() *signer {
	return &signer{keys: make(map[int64]*rsa.PrivateKey), now: time.Now()}
}

func (s *signer) sign(acc *domain.Account, doc map[string]interface{}) ([]byte, error) {
	key, ok := s.keys[acc.Id]
	if !ok {
		var err error
		key, err = util.ParsePrivateKey(acc.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key of %s: %w", acc.Username, err)
		}
		s.keys[acc.Id] = key
	}

	signed, err := serializer.SignPayload(doc, key, acc.KeyId(), s.now)
	if err != nil {
		return nil, err
	}
	return json.Marshal(signed)
}

// inboxSet collects delivery targets in insertion order.
type inboxSet struct {
	seen    map[string]bool
	inboxes []string
}

func (s *inboxSet) add(acc *domain.Account) {
	if acc == nil || acc.IsLocal() {
		return
	}
	s.addInbox(acc.DeliveryInbox())
}

func (s *inboxSet) addInbox(inbox string) {
	if inbox == "" {
		return
	}
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	if !s.seen[inbox] {
		s.seen[inbox] = true
		s.inboxes = append(s.inboxes, inbox)
	}
}

// remoteFollowerInboxes adds the inbox of every remote follower of
// accountId to set.
func remoteFollowerInboxes(ctx context.Context, database *db.DB, accountId int64, set *inboxSet) error {
	followers, err := database.ReadFollowers(ctx, accountId)
	if err != nil {
		return fmt.Errorf("failed to read followers: %w", err)
	}
	for _, follower := range followers {
		set.add(follower)
	}
	return nil
}
