package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/metrics"
	"github.com/deemkeen/mammut/worker"
	"go.uber.org/zap"
)

var (
	ErrIdentityMismatch = errors.New("requested and returned acct URI do not match")
	ErrLockNotAcquired  = errors.New("account is being processed elsewhere")
)

// AccountStore is the account persistence the resolver needs.
type AccountStore interface {
	ReadLocalAccount(ctx context.Context, username string) (*domain.Account, error)
	ReadAccountByHandle(ctx context.Context, username, domainName string) (*domain.Account, error)
	ReadAccountByURI(ctx context.Context, uri string) (*domain.Account, error)
	CreateAccount(ctx context.Context, acc *domain.Account) error
	UpdateAccount(ctx context.Context, acc *domain.Account) error
	ReadDomainBlock(ctx context.Context, domainName string) (*domain.DomainBlock, error)
	ResetWebfingerByDomain(ctx context.Context, domainName string) error
}

// Locker hands out leases that serialize work on one resource across
// processes.
type Locker interface {
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (*db.Lease, bool, error)
}

// Jobs runs follow-up work in the background.
type Jobs interface {
	Submit(job worker.Job) error
}

// Refollower re-sends the follows local accounts hold on target.
type Refollower interface {
	Refollow(ctx context.Context, target *domain.Account) error
}

type ResolverConfig struct {
	LocalDomain  string
	Freshness    time.Duration // cached remote accounts younger than this are returned as is
	LockTTL      time.Duration
	PollInterval time.Duration // how often a lock loser looks for the holder's row
	Metrics      *metrics.Metrics
}

// Resolver finds or creates the local representation of remote accounts.
type Resolver struct {
	store      AccountStore
	locker     Locker
	client     *http.Client
	conf       ResolverConfig
	jobs       Jobs
	refollower Refollower
	logger     *zap.Logger
}

func NewResolver(store AccountStore, locker Locker, client *http.Client, conf ResolverConfig, jobs Jobs, logger *zap.Logger) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if conf.Freshness == 0 {
		conf.Freshness = 24 * time.Hour
	}
	if conf.LockTTL == 0 {
		conf.LockTTL = 30 * time.Second
	}
	if conf.PollInterval == 0 {
		conf.PollInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, locker: locker, client: client, conf: conf, jobs: jobs, logger: logger}
}

func (r *Resolver) SetRefollower(refollower Refollower) {
	r.refollower = refollower
}

func (r *Resolver) isLocalDomain(domainName string) bool {
	return domainName == "" || strings.EqualFold(domainName, r.conf.LocalDomain)
}

func (r *Resolver) fresh(acc *domain.Account) bool {
	return !acc.LastWebfingeredAt.IsZero() && time.Since(acc.LastWebfingeredAt) < r.conf.Freshness
}

// Resolve returns the account behind a user@domain handle, discovering it
// when it is unknown or stale.
func (r *Resolver) Resolve(ctx context.Context, handle string) (*domain.Account, error) {
	username, domainName, err := domain.SplitHandle(handle)
	if err != nil {
		return nil, err
	}
	acc, outcome, err := r.resolve(ctx, username, domainName, false)
	if err != nil {
		outcome = "failed"
	}
	r.conf.Metrics.ObserveResolution(outcome)
	return acc, err
}

func (r *Resolver) resolve(ctx context.Context, username, domainName string, redirected bool) (*domain.Account, string, error) {
	if r.isLocalDomain(domainName) {
		acc, err := r.store.ReadLocalAccount(ctx, username)
		return acc, "local", err
	}

	cached, err := r.store.ReadAccountByHandle(ctx, username, domainName)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, "", err
	}
	if cached != nil && r.fresh(cached) {
		return cached, "cached", nil
	}

	handle := username + "@" + domainName
	key := "resolve_account:" + strings.ToLower(handle)
	lease, acquired, err := r.locker.AcquireLease(ctx, key, r.conf.LockTTL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !acquired {
		r.logger.Debug("Resolver: lookup in progress elsewhere, waiting", zap.String("handle", handle))
		acc, err := r.awaitHolder(ctx, func(ctx context.Context) (*domain.Account, error) {
			return r.store.ReadAccountByHandle(ctx, username, domainName)
		})
		return acc, "cached", err
	}

	acc, d, outcome, err := func() (*domain.Account, *Discovery, string, error) {
		defer r.release(ctx, lease, key)
		return r.discover(ctx, username, domainName)
	}()
	if err != nil || d == nil {
		return acc, outcome, err
	}

	// a server may only vouch for identities it owns
	if redirected {
		return nil, "", &DiscoveryError{Handle: handle, Err: ErrIdentityMismatch}
	}
	r.logger.Info("Resolver: following corrected identity",
		zap.String("requested", handle), zap.String("returned", d.Handle()))
	return r.resolve(ctx, d.Username, d.Domain, true)
}

// discover runs under the handle's lease. It returns the discovery instead
// of an account when the remote server answered for another identity.
func (r *Resolver) discover(ctx context.Context, username, domainName string) (*domain.Account, *Discovery, string, error) {
	// the previous holder may have just finished
	cached, err := r.store.ReadAccountByHandle(ctx, username, domainName)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, nil, "", err
	}
	if cached != nil && r.fresh(cached) {
		return cached, nil, "cached", nil
	}

	handle := username + "@" + domainName
	r.logger.Debug("Resolver: looking up webfinger", zap.String("handle", handle))
	d, err := r.Finger(ctx, handle)
	if err != nil {
		return nil, nil, "", err
	}
	if !strings.EqualFold(d.Username, username) || !strings.EqualFold(d.Domain, domainName) {
		return nil, d, "", nil
	}

	if r.isLocalDomain(d.Domain) {
		acc, err := r.store.ReadLocalAccount(ctx, d.Username)
		return acc, nil, "local", err
	}
	acc, err := r.processAccount(ctx, d)
	return acc, nil, "discovered", err
}

func (r *Resolver) release(ctx context.Context, lease *db.Lease, key string) {
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		r.logger.Warn("Resolver: failed to release lease", zap.String("key", key), zap.Error(err))
	}
}

// ResolveByURI returns the account of an actor URI, confirming the actor's
// handle over WebFinger before trusting it.
func (r *Resolver) ResolveByURI(ctx context.Context, actorURI string) (*domain.Account, error) {
	cached, err := r.store.ReadAccountByURI(ctx, actorURI)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	if cached != nil && (cached.IsLocal() || r.fresh(cached)) {
		return cached, nil
	}
	return r.RefreshActor(ctx, actorURI, nil)
}

// RefreshActor re-reads an actor regardless of freshness. actor may carry
// an already fetched document.
func (r *Resolver) RefreshActor(ctx context.Context, actorURI string, actor *ActorDocument) (*domain.Account, error) {
	if r.isLocalDomain(hostOf(actorURI)) {
		return r.store.ReadAccountByURI(ctx, actorURI)
	}

	if actor == nil {
		var err error
		actor, err = fetchActor(ctx, r.client, r.conf.LocalDomain, actorURI)
		if err != nil {
			r.conf.Metrics.ObserveResolution("failed")
			return nil, &DiscoveryError{Handle: actorURI, Err: err}
		}
	}
	if actor.ID != actorURI || actor.PreferredUsername == "" {
		return nil, &DiscoveryError{Handle: actorURI, Err: fmt.Errorf("actor document does not describe %s", actorURI)}
	}

	// the actor's own server has to vouch for the handle
	handle := actor.PreferredUsername + "@" + hostOf(actor.ID)
	d, err := r.Finger(ctx, handle)
	if err != nil {
		r.conf.Metrics.ObserveResolution("failed")
		return nil, err
	}
	if d.URI != actor.ID {
		r.conf.Metrics.ObserveResolution("failed")
		return nil, &DiscoveryError{Handle: handle, Err: ErrIdentityMismatch}
	}

	acc, err := r.processAccount(ctx, d)
	if err != nil {
		r.conf.Metrics.ObserveResolution("failed")
		return nil, err
	}
	r.conf.Metrics.ObserveResolution("discovered")
	return acc, nil
}

// FetchRemoteKey finds the owner of a key id nobody here knows yet. The
// key id may name the actor itself or a standalone key whose owner must
// name the key back.
func (r *Resolver) FetchRemoteKey(ctx context.Context, keyId string) (*domain.Account, error) {
	body, err := fetchResource(ctx, r.client, r.conf.LocalDomain, keyId)
	if err != nil {
		return nil, &DiscoveryError{Handle: keyId, Err: err}
	}

	var probe struct {
		ID           string `json:"id"`
		Type         string `json:"type"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, &DiscoveryError{Handle: keyId, Err: err}
	}

	if actorTypes[probe.Type] {
		var actor ActorDocument
		if err := json.Unmarshal(body, &actor); err != nil {
			return nil, &DiscoveryError{Handle: keyId, Err: err}
		}
		if cached, err := r.store.ReadAccountByURI(ctx, actor.ID); err == nil {
			return cached, nil
		}
		return r.RefreshActor(ctx, actor.ID, &actor)
	}

	if probe.Owner == "" || probe.ID != keyId {
		return nil, &DiscoveryError{Handle: keyId, Err: fmt.Errorf("key document names no owner")}
	}
	owner, err := fetchActor(ctx, r.client, r.conf.LocalDomain, probe.Owner)
	if err != nil {
		return nil, &DiscoveryError{Handle: probe.Owner, Err: err}
	}
	if ownerKey, _ := owner.Key(); ownerKey != keyId {
		return nil, &DiscoveryError{Handle: keyId, Err: fmt.Errorf("%s does not claim key %s", owner.ID, keyId)}
	}
	if cached, err := r.store.ReadAccountByURI(ctx, owner.ID); err == nil {
		return cached, nil
	}
	return r.RefreshActor(ctx, owner.ID, owner)
}

// processAccount stores what discovery found. Only the holder of the
// account's lease writes; everyone else waits for the holder's row.
func (r *Resolver) processAccount(ctx context.Context, d *Discovery) (*domain.Account, error) {
	key := "process_account:" + d.URI
	lease, acquired, err := r.locker.AcquireLease(ctx, key, r.conf.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !acquired {
		r.logger.Debug("Resolver: lease held elsewhere, waiting", zap.String("key", key))
		return r.awaitHolder(ctx, func(ctx context.Context) (*domain.Account, error) {
			return r.store.ReadAccountByURI(ctx, d.URI)
		})
	}

	acc, oldProtocol, oldKey, err := func() (*domain.Account, domain.Protocol, string, error) {
		defer r.release(ctx, lease, key)
		return r.storeAccount(ctx, d)
	}()
	if err != nil {
		return nil, err
	}

	if oldProtocol != "" && oldProtocol != acc.Protocol {
		r.schedule("post upgrade", func(ctx context.Context) error {
			return r.PostUpgrade(ctx, acc.Domain)
		})
	}
	if oldKey != "" && oldKey != acc.PublicKey {
		r.schedule("refollow", func(ctx context.Context) error {
			return r.Refollow(ctx, acc)
		})
	}
	return acc, nil
}

// storeAccount creates or refreshes the account and reports the protocol
// and key it had before.
func (r *Resolver) storeAccount(ctx context.Context, d *Discovery) (*domain.Account, domain.Protocol, string, error) {
	acc, err := r.store.ReadAccountByURI(ctx, d.URI)
	if errors.Is(err, db.ErrNotFound) {
		acc, err = r.store.ReadAccountByHandle(ctx, d.Username, d.Domain)
	}
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, "", "", err
	}

	var oldProtocol domain.Protocol
	var oldKey string
	creating := acc == nil
	if creating {
		acc = &domain.Account{Username: d.Username, Domain: d.Domain}
		block, err := r.store.ReadDomainBlock(ctx, d.Domain)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, "", "", err
		}
		if block != nil {
			acc.Suspended = block.Severity == domain.SeveritySuspend
			acc.Silenced = block.Severity == domain.SeveritySilence
		}
	} else {
		oldProtocol, oldKey = acc.Protocol, acc.PublicKey
	}

	acc.URI = d.URI
	acc.URL = d.ProfileURL
	acc.Protocol = d.Protocol
	acc.InboxURI = d.InboxURL
	acc.OutboxURI = d.UpdatesURL
	acc.SharedInboxURI = d.SharedInboxURL
	acc.FollowersURI = d.FollowersURL
	acc.PublicKey = d.PublicKey
	acc.DisplayName = d.DisplayName
	acc.Note = d.Note
	acc.Locked = d.Locked
	acc.LastWebfingeredAt = time.Now().UTC()
	acc.UpdatedAt = acc.LastWebfingeredAt

	if !creating {
		if err := r.store.UpdateAccount(ctx, acc); err != nil {
			return nil, "", "", fmt.Errorf("failed to update account %s: %w", d.Handle(), err)
		}
		return acc, oldProtocol, oldKey, nil
	}

	err = r.store.CreateAccount(ctx, acc)
	if db.IsUniqueViolation(err) {
		// someone who never held the lease got there first
		r.logger.Debug("Resolver: account created concurrently", zap.String("handle", d.Handle()))
		acc, err = r.store.ReadAccountByHandle(ctx, d.Username, d.Domain)
		return acc, "", "", err
	}
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to create account %s: %w", d.Handle(), err)
	}
	r.logger.Info("Resolver: created remote account", zap.String("handle", d.Handle()), zap.Int64("account_id", acc.Id))
	return acc, "", "", nil
}

// awaitHolder polls read for the row the lease holder is writing, for at
// most one lease lifetime. A stale row is better than nothing once time is
// up.
func (r *Resolver) awaitHolder(ctx context.Context, read func(context.Context) (*domain.Account, error)) (*domain.Account, error) {
	deadline := time.NewTimer(r.conf.LockTTL)
	defer deadline.Stop()
	ticker := time.NewTicker(r.conf.PollInterval)
	defer ticker.Stop()

	var last *domain.Account
	for {
		acc, err := read(ctx)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		if acc != nil {
			last = acc
			if r.fresh(acc) {
				return acc, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			if last != nil {
				return last, nil
			}
			return nil, ErrLockNotAcquired
		case <-ticker.C:
		}
	}
}

func (r *Resolver) schedule(name string, job worker.Job) {
	if r.jobs == nil {
		return
	}
	if err := r.jobs.Submit(job); err != nil {
		r.logger.Warn("Resolver: failed to schedule job", zap.String("job", name), zap.Error(err))
	}
}

// PostUpgrade forgets when the domain's accounts were last resolved, so each
// gets rediscovered with its new protocol on next use.
func (r *Resolver) PostUpgrade(ctx context.Context, domainName string) error {
	r.logger.Info("Resolver: domain switched protocol", zap.String("domain", domainName))
	return r.store.ResetWebfingerByDomain(ctx, domainName)
}

// Refollow re-sends local follows of an account whose key changed.
func (r *Resolver) Refollow(ctx context.Context, acc *domain.Account) error {
	if r.refollower == nil {
		return nil
	}
	r.logger.Info("Resolver: key changed, refollowing", zap.String("handle", acc.Acct()))
	return r.refollower.Refollow(ctx, acc)
}
