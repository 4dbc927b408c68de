package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"go.uber.org/zap"
)

// ActivityKind is one of the activity types we act on.
type ActivityKind int

const (
	KindCreate ActivityKind = iota + 1
	KindAnnounce
	KindDelete
	KindUndo
	KindFollow
	KindAccept
	KindReject
	KindBlock
	KindUpdate
)

var kindByType = map[string]ActivityKind{
	"Create":   KindCreate,
	"Announce": KindAnnounce,
	"Delete":   KindDelete,
	"Undo":     KindUndo,
	"Follow":   KindFollow,
	"Accept":   KindAccept,
	"Reject":   KindReject,
	"Block":    KindBlock,
	"Update":   KindUpdate,
}

func (k ActivityKind) String() string {
	for name, kind := range kindByType {
		if kind == k {
			return name
		}
	}
	return "Unknown"
}

// LookupKind maps a wire type onto its kind.
func LookupKind(activityType string) (ActivityKind, bool) {
	kind, ok := kindByType[activityType]
	return kind, ok
}

// Handler performs one kind of activity on behalf of its verified actor.
type Handler interface {
	Perform(ctx context.Context, actor *domain.Account, payload []byte) error
}

// Distributor fans a stored status out to feeds and remote followers.
type Distributor interface {
	Distribute(ctx context.Context, status *domain.Status) error
}

// Remover deletes statuses and everything that points at them.
type Remover interface {
	Remove(ctx context.Context, statuses []*domain.Status) error
}

// Timelines adjusts home feeds when the follow graph changes.
type Timelines interface {
	MergeIntoTimeline(ctx context.Context, fromAccountId, intoAccountId int64) error
	UnmergeFromTimeline(ctx context.Context, fromAccountId, intoAccountId int64) error
	ClearFromTimeline(ctx context.Context, accountId, targetAccountId int64) error
}

// Actors resolves remote actors the handlers meet.
type Actors interface {
	ResolveByURI(ctx context.Context, actorURI string) (*domain.Account, error)
	RefreshActor(ctx context.Context, actorURI string, actor *ActorDocument) (*domain.Account, error)
}

// Sender queues outgoing activities.
type Sender interface {
	SendAccept(ctx context.Context, local, follower *domain.Account, followURI string) error
}

var ErrActorMismatch = errors.New("activity actor does not match the signer")

// envelope holds the fields every activity shares.
type envelope struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  json.RawMessage `json:"actor"`
	Object json.RawMessage `json:"object"`
}

// objectRef is an object given either as its id or embedded.
type objectRef struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  string          `json:"actor"`
	Object json.RawMessage `json:"object"`
}

func (e *envelope) actorURI() string {
	return firstHref(e.Actor)
}

// parseObject accepts both a bare id and an embedded object.
func parseObject(raw json.RawMessage) (*objectRef, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("activity has no object")
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return &objectRef{ID: id}, nil
	}
	var obj objectRef
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("failed to parse object: %w", err)
	}
	return &obj, nil
}

type DispatcherConfig struct {
	DB          *db.DB
	Distributor Distributor
	Remover     Remover
	Timelines   Timelines
	Actors      Actors
	Sender      Sender
	Client      *http.Client
	LocalDomain string
	Logger      *zap.Logger
}

// Dispatcher routes verified inbox payloads to their handlers.
type Dispatcher struct {
	db       *db.DB
	handlers map[ActivityKind]Handler
	logger   *zap.Logger
}

func NewDispatcher(conf DispatcherConfig) *Dispatcher {
	if conf.Logger == nil {
		conf.Logger = zap.NewNop()
	}
	h := &handlers{conf: conf, db: conf.DB, logger: conf.Logger}
	return &Dispatcher{
		db: conf.DB,
		handlers: map[ActivityKind]Handler{
			KindCreate:   HandlerFunc(h.create),
			KindAnnounce: HandlerFunc(h.announce),
			KindDelete:   HandlerFunc(h.delete),
			KindUndo:     HandlerFunc(h.undo),
			KindFollow:   HandlerFunc(h.follow),
			KindAccept:   HandlerFunc(h.accept),
			KindReject:   HandlerFunc(h.reject),
			KindBlock:    HandlerFunc(h.block),
			KindUpdate:   HandlerFunc(h.update),
		},
		logger: conf.Logger,
	}
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, actor *domain.Account, payload []byte) error

func (f HandlerFunc) Perform(ctx context.Context, actor *domain.Account, payload []byte) error {
	return f(ctx, actor, payload)
}

// Dispatch performs body as coming from actor. Unsupported kinds and
// activities seen before are dropped without error.
func (d *Dispatcher) Dispatch(ctx context.Context, actor *domain.Account, body []byte) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to parse activity: %w", err)
	}
	if env.actorURI() != actor.URI {
		return ErrActorMismatch
	}

	if actor.Suspended {
		d.logger.Debug("Inbox: dropping activity of suspended account", zap.String("actor", actor.URI))
		return nil
	}

	kind, ok := LookupKind(env.Type)
	if !ok {
		d.logger.Debug("Inbox: unsupported activity type", zap.String("type", env.Type), zap.String("actor", actor.URI))
		return nil
	}

	var record *domain.Activity
	if env.ID != "" {
		var seen bool
		var err error
		record, seen, err = d.record(ctx, &env, body)
		if err != nil {
			return err
		}
		if seen {
			d.logger.Debug("Inbox: activity already processed", zap.String("id", env.ID))
			return nil
		}
	}

	d.logger.Info("Inbox: received activity",
		zap.Stringer("kind", kind), zap.String("id", env.ID), zap.String("actor", actor.Acct()))
	if err := d.handlers[kind].Perform(ctx, actor, body); err != nil {
		return fmt.Errorf("failed to process %s: %w", kind, err)
	}

	if record != nil {
		if err := d.db.MarkActivityProcessed(ctx, record.Id); err != nil {
			d.logger.Warn("Inbox: failed to mark activity processed", zap.String("id", env.ID), zap.Error(err))
		}
	}
	return nil
}

// record logs the activity and reports whether it was already processed.
func (d *Dispatcher) record(ctx context.Context, env *envelope, body []byte) (*domain.Activity, bool, error) {
	existing, err := d.db.ReadActivityByURI(ctx, env.ID)
	if err == nil {
		return existing, existing.Processed, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, false, err
	}

	objectURI := ""
	if obj, err := parseObject(env.Object); err == nil {
		objectURI = obj.ID
	}
	record := &domain.Activity{
		ActivityURI:  env.ID,
		ActivityType: env.Type,
		ActorURI:     env.actorURI(),
		ObjectURI:    objectURI,
		RawJSON:      string(body),
	}
	err = d.db.CreateActivity(ctx, record)
	if db.IsUniqueViolation(err) {
		// a concurrent delivery of the same activity owns it
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to store activity: %w", err)
	}
	return record, false, nil
}
