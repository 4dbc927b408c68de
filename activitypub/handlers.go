package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/serializer"
	"go.uber.org/zap"
)

// statuses of a suspended actor removed in one go
const suspendBatch = 1000

type handlers struct {
	conf   DispatcherConfig
	db     *db.DB
	logger *zap.Logger
}

type tagObject struct {
	Type string `json:"type"`
	Href string `json:"href"`
	Name string `json:"name"`
}

// noteObject is the part of a Note or Article we store.
type noteObject struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	URL          json.RawMessage `json:"url"`
	AttributedTo json.RawMessage `json:"attributedTo"`
	Content      string          `json:"content"`
	Summary      string          `json:"summary"`
	Sensitive    bool            `json:"sensitive"`
	InReplyTo    json.RawMessage `json:"inReplyTo"`
	Published    string          `json:"published"`
	To           json.RawMessage `json:"to"`
	Cc           json.RawMessage `json:"cc"`
	Tag          json.RawMessage `json:"tag"`
}

func (n *noteObject) storable() bool {
	return n.Type == "Note" || n.Type == "Article"
}

func (n *noteObject) tags() []tagObject {
	var tags []tagObject
	if json.Unmarshal(n.Tag, &tags) == nil {
		return tags
	}
	var tag tagObject
	if json.Unmarshal(n.Tag, &tag) == nil && tag.Type != "" {
		return []tagObject{tag}
	}
	return nil
}

// audience reads a to/cc value, which may be one id or a list.
func audience(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if json.Unmarshal(raw, &one) == nil {
		return []string{one}
	}
	var many []string
	_ = json.Unmarshal(raw, &many)
	return many
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

// visibilityFrom derives visibility from addressing. "as:Public" and
// "Public" are accepted spellings of the public collection.
func visibilityFrom(to, cc []string, author *domain.Account) domain.Visibility {
	public := func(list []string) bool {
		return contains(list, serializer.PublicCollection) || contains(list, "as:Public") || contains(list, "Public")
	}
	switch {
	case public(to):
		return domain.VisibilityPublic
	case public(cc):
		return domain.VisibilityUnlisted
	}
	followers := author.FollowersURI
	if followers == "" {
		followers = author.URI + "/followers"
	}
	if contains(to, followers) || contains(cc, followers) {
		return domain.VisibilityPrivate
	}
	return domain.VisibilityDirect
}

func (h *handlers) create(ctx context.Context, actor *domain.Account, payload []byte) error {
	var act struct {
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(payload, &act); err != nil {
		return fmt.Errorf("failed to parse Create activity: %w", err)
	}
	var note noteObject
	if err := json.Unmarshal(act.Object, &note); err != nil || note.ID == "" {
		h.logger.Debug("Inbox: Create without embedded object", zap.String("actor", actor.URI))
		return nil
	}
	if !note.storable() {
		h.logger.Debug("Inbox: unsupported Create object", zap.String("type", note.Type))
		return nil
	}
	if firstHref(note.AttributedTo) != actor.URI {
		return ErrActorMismatch
	}

	if _, err := h.db.ReadStatusByURI(ctx, note.ID); err == nil {
		return nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return err
	}

	status, err := h.buildStatus(ctx, actor, &note)
	if err != nil {
		return err
	}
	relevant, err := h.relevant(ctx, actor, status)
	if err != nil {
		return err
	}
	if !relevant {
		h.logger.Debug("Inbox: dropping status nobody here asked for", zap.String("uri", note.ID))
		return nil
	}

	stored, err := h.storeStatus(ctx, status)
	if err != nil || stored == nil {
		return err
	}
	return h.conf.Distributor.Distribute(ctx, stored)
}

// relevant keeps unsolicited posts out: someone local must follow the
// author, be mentioned, or be replied to.
func (h *handlers) relevant(ctx context.Context, actor *domain.Account, status *domain.Status) (bool, error) {
	followers, err := h.db.ReadLocalFollowerIds(ctx, actor.Id)
	if err != nil {
		return false, err
	}
	if len(followers) > 0 {
		return true, nil
	}
	if status.InReplyToAccountId != 0 {
		parent, err := h.db.ReadAccountById(ctx, status.InReplyToAccountId)
		if err == nil && parent.IsLocal() {
			return true, nil
		}
	}
	if len(status.Mentions) == 0 {
		return false, nil
	}
	mentioned, err := h.db.ReadAccountsByIds(ctx, status.Mentions)
	if err != nil {
		return false, err
	}
	for _, acc := range mentioned {
		if acc.IsLocal() {
			return true, nil
		}
	}
	return false, nil
}

// buildStatus maps a note onto a status of author. Mentions of accounts we
// do not know are dropped.
func (h *handlers) buildStatus(ctx context.Context, author *domain.Account, note *noteObject) (*domain.Status, error) {
	status := &domain.Status{
		URI:         note.ID,
		URL:         firstHref(note.URL),
		AccountId:   author.Id,
		Text:        note.Content,
		SpoilerText: note.Summary,
		Sensitive:   note.Sensitive,
		Visibility:  visibilityFrom(audience(note.To), audience(note.Cc), author),
		CreatedAt:   time.Now().UTC(),
	}
	if published, err := time.Parse(time.RFC3339, note.Published); err == nil && published.Before(status.CreatedAt) {
		status.CreatedAt = published.UTC()
	}
	if status.URL == "" {
		status.URL = note.ID
	}

	if parentURI := firstHref(note.InReplyTo); parentURI != "" {
		status.Reply = true
		parent, err := h.db.ReadStatusByURI(ctx, parentURI)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		if parent != nil {
			status.InReplyToId = parent.Id
			status.InReplyToAccountId = parent.AccountId
			status.ConversationId = parent.ConversationId
			if status.ConversationId == 0 {
				status.ConversationId = parent.Id
			}
		}
	}

	seen := make(map[int64]bool)
	for _, tag := range note.tags() {
		switch tag.Type {
		case "Mention":
			acc, err := h.db.ReadAccountByURI(ctx, tag.Href)
			if errors.Is(err, db.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if !seen[acc.Id] {
				seen[acc.Id] = true
				status.Mentions = append(status.Mentions, acc.Id)
			}
		case "Hashtag":
			name := strings.ToLower(strings.TrimPrefix(tag.Name, "#"))
			if name != "" && !contains(status.Tags, name) {
				status.Tags = append(status.Tags, name)
			}
		}
	}
	return status, nil
}

// storeStatus saves status and reads it back with everything attached. A
// status stored concurrently under the same URI yields (nil, nil).
func (h *handlers) storeStatus(ctx context.Context, status *domain.Status) (*domain.Status, error) {
	err := h.db.CreateStatus(ctx, status)
	if db.IsUniqueViolation(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store status %s: %w", status.URI, err)
	}
	return h.db.ReadStatusById(ctx, status.Id)
}

func (h *handlers) announce(ctx context.Context, actor *domain.Account, payload []byte) error {
	var act struct {
		ID     string          `json:"id"`
		Object json.RawMessage `json:"object"`
		To     json.RawMessage `json:"to"`
		Cc     json.RawMessage `json:"cc"`
	}
	if err := json.Unmarshal(payload, &act); err != nil {
		return fmt.Errorf("failed to parse Announce activity: %w", err)
	}
	obj, err := parseObject(act.Object)
	if err != nil {
		return err
	}

	if _, err := h.db.ReadStatusByURI(ctx, act.ID); err == nil {
		return nil
	}

	original, err := h.findOrFetch(ctx, obj.ID)
	if err != nil {
		return err
	}
	if original == nil {
		return nil
	}
	if original.IsReblog() {
		if original, err = h.db.ReadStatusById(ctx, original.ReblogOfId); err != nil {
			return err
		}
	}
	if original.Visibility == domain.VisibilityPrivate || original.Visibility == domain.VisibilityDirect {
		h.logger.Debug("Inbox: ignoring Announce of a non-public status", zap.String("uri", original.URI))
		return nil
	}

	if _, err := h.db.ReadReblogByAccount(ctx, actor.Id, original.Id); err == nil {
		return nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return err
	}

	reblog := &domain.Status{
		URI:        act.ID,
		AccountId:  actor.Id,
		ReblogOfId: original.Id,
		Visibility: visibilityFrom(audience(act.To), audience(act.Cc), actor),
	}
	stored, err := h.storeStatus(ctx, reblog)
	if err != nil || stored == nil {
		return err
	}
	return h.conf.Distributor.Distribute(ctx, stored)
}

// findOrFetch returns the status at uri, fetching it when unknown. Fetched
// notes are only trusted when author and note share a host.
func (h *handlers) findOrFetch(ctx context.Context, uri string) (*domain.Status, error) {
	status, err := h.db.ReadStatusByURI(ctx, uri)
	if err == nil {
		return status, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	if h.conf.Client == nil || h.conf.Actors == nil || strings.EqualFold(hostOf(uri), h.conf.LocalDomain) {
		return nil, nil
	}

	body, err := fetchResource(ctx, h.conf.Client, h.conf.LocalDomain, uri)
	if err != nil {
		h.logger.Info("Inbox: could not fetch announced status", zap.String("uri", uri), zap.Error(err))
		return nil, nil
	}
	var note noteObject
	if err := json.Unmarshal(body, &note); err != nil {
		return nil, fmt.Errorf("failed to parse fetched status: %w", err)
	}
	attributedTo := firstHref(note.AttributedTo)
	if note.ID != uri || !note.storable() || !sameHost(attributedTo, note.ID) {
		h.logger.Info("Inbox: untrusted announced status", zap.String("uri", uri), zap.String("attributed_to", attributedTo))
		return nil, nil
	}

	author, err := h.conf.Actors.ResolveByURI(ctx, attributedTo)
	if err != nil {
		return nil, err
	}
	status, err = h.buildStatus(ctx, author, &note)
	if err != nil {
		return nil, err
	}
	stored, err := h.storeStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return h.db.ReadStatusByURI(ctx, uri)
	}
	return stored, nil
}

func (h *handlers) delete(ctx context.Context, actor *domain.Account, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("failed to parse Delete activity: %w", err)
	}
	obj, err := parseObject(env.Object)
	if err != nil {
		return err
	}

	if obj.ID == actor.URI {
		h.logger.Info("Inbox: actor deleted itself", zap.String("actor", actor.URI))
		if err := h.db.SuspendAccount(ctx, actor.Id); err != nil {
			return fmt.Errorf("failed to suspend account: %w", err)
		}
		statuses, err := h.db.ReadStatusesByAccount(ctx, actor.Id, suspendBatch)
		if err != nil || len(statuses) == 0 {
			return err
		}
		return h.conf.Remover.Remove(ctx, statuses)
	}

	status, err := h.db.ReadStatusByURI(ctx, obj.ID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if status.AccountId != actor.Id {
		h.logger.Warn("Inbox: Delete of a status owned by someone else",
			zap.String("actor", actor.URI), zap.String("uri", obj.ID))
		return nil
	}
	return h.conf.Remover.Remove(ctx, []*domain.Status{status})
}

func (h *handlers) undo(ctx context.Context, actor *domain.Account, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("failed to parse Undo activity: %w", err)
	}
	obj, err := parseObject(env.Object)
	if err != nil {
		return err
	}

	switch obj.Type {
	case "Follow":
		return h.undoFollow(ctx, actor, obj)
	case "Announce":
		return h.undoAnnounce(ctx, actor, obj.ID)
	case "Block":
		target, err := h.localTarget(ctx, firstHref(obj.Object))
		if err != nil || target == nil {
			return err
		}
		return h.db.DeleteBlock(ctx, actor.Id, target.Id)
	case "":
		// only the id was given
		if follow, err := h.db.ReadFollowByURI(ctx, obj.ID); err == nil && follow.AccountId == actor.Id {
			return h.db.DeleteFollow(ctx, follow.AccountId, follow.TargetAccountId)
		}
		return h.undoAnnounce(ctx, actor, obj.ID)
	default:
		h.logger.Debug("Inbox: unsupported Undo object", zap.String("type", obj.Type))
		return nil
	}
}

// undoFollow drops the follow. No local feed holds anything because of a
// remote follower, so nothing is unmerged.
func (h *handlers) undoFollow(ctx context.Context, actor *domain.Account, obj *objectRef) error {
	if follow, err := h.db.ReadFollowByURI(ctx, obj.ID); err == nil && follow.AccountId == actor.Id {
		return h.db.DeleteFollow(ctx, follow.AccountId, follow.TargetAccountId)
	}
	target, err := h.localTarget(ctx, firstHref(obj.Object))
	if err != nil || target == nil {
		return err
	}
	return h.db.DeleteFollow(ctx, actor.Id, target.Id)
}

func (h *handlers) undoAnnounce(ctx context.Context, actor *domain.Account, uri string) error {
	reblog, err := h.db.ReadStatusByURI(ctx, uri)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !reblog.IsReblog() || reblog.AccountId != actor.Id {
		return nil
	}
	return h.conf.Remover.Remove(ctx, []*domain.Status{reblog})
}

// localTarget returns the local account at uri, or nil when it is not ours.
func (h *handlers) localTarget(ctx context.Context, uri string) (*domain.Account, error) {
	if uri == "" {
		return nil, nil
	}
	acc, err := h.db.ReadAccountByURI(ctx, uri)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !acc.IsLocal() {
		return nil, nil
	}
	return acc, nil
}

func (h *handlers) follow(ctx context.Context, actor *domain.Account, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("failed to parse Follow activity: %w", err)
	}
	target, err := h.localTarget(ctx, firstHref(env.Object))
	if err != nil || target == nil {
		return err
	}

	blocked, err := h.db.BlocksAny(ctx, target.Id, []int64{actor.Id})
	if err != nil {
		return err
	}
	if blocked {
		h.logger.Info("Inbox: ignoring Follow from blocked account",
			zap.String("actor", actor.Acct()), zap.String("target", target.Username))
		return nil
	}

	follow := &domain.Follow{
		AccountId:       actor.Id,
		TargetAccountId: target.Id,
		URI:             env.ID,
		Accepted:        !target.Locked,
	}
	if err := h.db.CreateFollow(ctx, follow); err != nil {
		return fmt.Errorf("failed to create follow: %w", err)
	}
	if !follow.Accepted {
		h.logger.Info("Inbox: follow awaits approval", zap.String("actor", actor.Acct()), zap.String("target", target.Username))
		return nil
	}
	if h.conf.Sender == nil {
		return nil
	}
	if err := h.conf.Sender.SendAccept(ctx, target, actor, env.ID); err != nil {
		return fmt.Errorf("failed to send Accept: %w", err)
	}
	h.logger.Info("Inbox: accepted follow", zap.String("actor", actor.Acct()), zap.String("target", target.Username))
	return nil
}

// pendingFollow finds the local follow on actor that an Accept or Reject
// answers, by its URI or by the embedded follower.
func (h *handlers) pendingFollow(ctx context.Context, actor *domain.Account, payload []byte) (*domain.Follow, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to parse activity: %w", err)
	}
	obj, err := parseObject(env.Object)
	if err != nil {
		return nil, err
	}

	follow, err := h.db.ReadFollowByURI(ctx, obj.ID)
	if errors.Is(err, db.ErrNotFound) {
		follower, err := h.localTarget(ctx, obj.Actor)
		if err != nil || follower == nil {
			return nil, err
		}
		follow = &domain.Follow{AccountId: follower.Id, TargetAccountId: actor.Id}
	} else if err != nil {
		return nil, err
	}
	if follow.TargetAccountId != actor.Id {
		return nil, nil
	}
	return follow, nil
}

func (h *handlers) accept(ctx context.Context, actor *domain.Account, payload []byte) error {
	follow, err := h.pendingFollow(ctx, actor, payload)
	if err != nil || follow == nil {
		return err
	}
	err = h.db.AcceptFollow(ctx, follow.AccountId, follow.TargetAccountId)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to accept follow: %w", err)
	}
	h.logger.Info("Inbox: follow accepted", zap.String("target", actor.Acct()), zap.Int64("account_id", follow.AccountId))
	return h.conf.Timelines.MergeIntoTimeline(ctx, actor.Id, follow.AccountId)
}

func (h *handlers) reject(ctx context.Context, actor *domain.Account, payload []byte) error {
	follow, err := h.pendingFollow(ctx, actor, payload)
	if err != nil || follow == nil {
		return err
	}
	if err := h.db.DeleteFollow(ctx, follow.AccountId, follow.TargetAccountId); err != nil {
		return fmt.Errorf("failed to delete follow: %w", err)
	}
	h.logger.Info("Inbox: follow rejected", zap.String("target", actor.Acct()), zap.Int64("account_id", follow.AccountId))
	return h.conf.Timelines.UnmergeFromTimeline(ctx, actor.Id, follow.AccountId)
}

func (h *handlers) block(ctx context.Context, actor *domain.Account, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("failed to parse Block activity: %w", err)
	}
	target, err := h.localTarget(ctx, firstHref(env.Object))
	if err != nil || target == nil {
		return err
	}

	if err := h.db.CreateBlock(ctx, &domain.Block{AccountId: actor.Id, TargetAccountId: target.Id, URI: env.ID}); err != nil {
		return fmt.Errorf("failed to create block: %w", err)
	}
	if err := h.db.DeleteFollow(ctx, actor.Id, target.Id); err != nil {
		return err
	}
	if err := h.db.DeleteFollow(ctx, target.Id, actor.Id); err != nil {
		return err
	}
	return h.conf.Timelines.ClearFromTimeline(ctx, target.Id, actor.Id)
}

func (h *handlers) update(ctx context.Context, actor *domain.Account, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("failed to parse Update activity: %w", err)
	}
	obj, err := parseObject(env.Object)
	if err != nil {
		return err
	}
	if !actorTypes[obj.Type] {
		h.logger.Debug("Inbox: unsupported Update object", zap.String("type", obj.Type))
		return nil
	}
	if obj.ID != actor.URI {
		return ErrActorMismatch
	}
	if h.conf.Actors == nil {
		return nil
	}
	_, err = h.conf.Actors.RefreshActor(ctx, actor.URI, nil)
	return err
}
