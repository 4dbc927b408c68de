package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/serializer"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outbox queues activities of local accounts and delivers them.
type Outbox struct {
	db          *db.DB
	localDomain string
	client      *http.Client
	logger      *zap.Logger
}

func NewOutbox(database *db.DB, localDomain string, client *http.Client, logger *zap.Logger) *Outbox {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{db: database, localDomain: localDomain, client: client, logger: logger}
}

// ActivityId mints the id of a new activity.
func (o *Outbox) ActivityId() string {
	return fmt.Sprintf("https://%s/activities/%s", o.localDomain, uuid.New().String())
}

// Enqueue queues payload from sender for each inbox, once per inbox.
func (o *Outbox) Enqueue(ctx context.Context, sender *domain.Account, inboxes []string, payload []byte) error {
	now := time.Now().UTC()
	seen := make(map[string]bool, len(inboxes))
	items := make([]*domain.DeliveryQueueItem, 0, len(inboxes))
	for _, inbox := range inboxes {
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		items = append(items, &domain.DeliveryQueueItem{
			InboxURI:     inbox,
			ActivityJSON: string(payload),
			AccountId:    sender.Id,
			NextRetryAt:  now,
		})
	}
	if len(items) == 0 {
		return nil
	}
	if err := o.db.EnqueueDeliveries(ctx, items); err != nil {
		return fmt.Errorf("failed to queue deliveries: %w", err)
	}
	o.logger.Debug("Outbox: queued activity", zap.String("sender", sender.Username), zap.Int("inboxes", len(items)))
	return nil
}

func (o *Outbox) enqueueDocument(ctx context.Context, sender *domain.Account, inbox string, doc map[string]interface{}) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}
	return o.Enqueue(ctx, sender, []string{inbox}, payload)
}

// SendAccept answers a Follow of local from follower.
func (o *Outbox) SendAccept(ctx context.Context, local, follower *domain.Account, followURI string) error {
	accept := serializer.Accept(o.ActivityId(), local, follower, followURI)
	return o.enqueueDocument(ctx, local, follower.InboxURI, accept)
}

// SendFollow records a pending follow of target and asks target for it.
func (o *Outbox) SendFollow(ctx context.Context, local, target *domain.Account) (*domain.Follow, error) {
	follow := &domain.Follow{
		AccountId:       local.Id,
		TargetAccountId: target.Id,
		URI:             o.ActivityId(),
		Accepted:        target.IsLocal() && !target.Locked,
	}
	if err := o.db.CreateFollow(ctx, follow); err != nil {
		return nil, fmt.Errorf("failed to store follow: %w", err)
	}
	if target.IsLocal() {
		return follow, nil
	}
	if err := o.enqueueDocument(ctx, local, target.InboxURI, serializer.Follow(follow.URI, local, target)); err != nil {
		return nil, err
	}
	return follow, nil
}

// Refollow re-sends the follows local accounts hold on target, each under a
// fresh id. Used when target's key changed and old follows may be stale.
func (o *Outbox) Refollow(ctx context.Context, target *domain.Account) error {
	followerIds, err := o.db.ReadLocalFollowerIds(ctx, target.Id)
	if err != nil {
		return err
	}
	followers, err := o.db.ReadAccountsByIds(ctx, followerIds)
	if err != nil {
		return err
	}
	for _, id := range followerIds {
		follower, ok := followers[id]
		if !ok {
			continue
		}
		if _, err := o.SendFollow(ctx, follower, target); err != nil {
			return err
		}
	}
	o.logger.Info("Outbox: refollowed", zap.String("target", target.Acct()), zap.Int("followers", len(followerIds)))
	return nil
}

// Deliver POSTs one signed payload to inbox.
func (o *Outbox) Deliver(ctx context.Context, key *rsa.PrivateKey, keyId, inbox string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", activityJSON)
	req.Header.Set("Accept", activityJSON)
	req.Header.Set("User-Agent", util.UserAgent(o.localDomain))
	req.Header.Set("Date", util.HttpDate(time.Now()))

	if err := SignRequest(req, key, keyId, payload); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxFetchSize))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}
	return nil
}
