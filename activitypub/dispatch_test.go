package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recorder stands in for distribution, feeds, actors and the outbox.
type recorder struct {
	mu          sync.Mutex
	distributed []*domain.Status
	removed     [][]*domain.Status
	merged      [][2]int64
	unmerged    [][2]int64
	cleared     [][2]int64
	refreshed   []string
	accepted    []string
	actors      map[string]*domain.Account
}

func (r *recorder) Distribute(ctx context.Context, status *domain.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.distributed = append(r.distributed, status)
	return nil
}

func (r *recorder) Remove(ctx context.Context, statuses []*domain.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, statuses)
	return nil
}

func (r *recorder) MergeIntoTimeline(ctx context.Context, from, into int64) error {
	r.merged = append(r.merged, [2]int64{from, into})
	return nil
}

func (r *recorder) UnmergeFromTimeline(ctx context.Context, from, into int64) error {
	r.unmerged = append(r.unmerged, [2]int64{from, into})
	return nil
}

func (r *recorder) ClearFromTimeline(ctx context.Context, accountId, targetId int64) error {
	r.cleared = append(r.cleared, [2]int64{accountId, targetId})
	return nil
}

func (r *recorder) ResolveByURI(ctx context.Context, uri string) (*domain.Account, error) {
	if acc, ok := r.actors[uri]; ok {
		return acc, nil
	}
	return nil, fmt.Errorf("unknown actor %s", uri)
}

func (r *recorder) RefreshActor(ctx context.Context, uri string, actor *ActorDocument) (*domain.Account, error) {
	r.refreshed = append(r.refreshed, uri)
	return r.ResolveByURI(ctx, uri)
}

func (r *recorder) SendAccept(ctx context.Context, local, follower *domain.Account, followURI string) error {
	r.accepted = append(r.accepted, followURI)
	return nil
}

type dispatchFixture struct {
	db         *db.DB
	rec        *recorder
	remote     *fakeRemote
	dispatcher *Dispatcher
	alice      *domain.Account // local
	bob        *domain.Account // remote, on remote.host
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	database := openTestDB(t)
	remote := newFakeRemote(t)
	rec := &recorder{actors: map[string]*domain.Account{}}
	f := &dispatchFixture{
		db:     database,
		rec:    rec,
		remote: remote,
		alice:  localAccount(t, database, "alice"),
		bob:    remoteAccount(t, database, "bob", remote.host),
	}
	rec.actors[f.bob.URI] = f.bob
	f.dispatcher = NewDispatcher(DispatcherConfig{
		DB:          database,
		Distributor: rec,
		Remover:     rec,
		Timelines:   rec,
		Actors:      rec,
		Sender:      rec,
		Client:      remote.client(),
		LocalDomain: localDomain,
		Logger:      zaptest.NewLogger(t),
	})
	return f
}

func (f *dispatchFixture) dispatch(t *testing.T, actor *domain.Account, activity map[string]interface{}) error {
	t.Helper()
	if _, ok := activity["actor"]; !ok {
		activity["actor"] = actor.URI
	}
	body, err := json.Marshal(activity)
	require.NoError(t, err)
	return f.dispatcher.Dispatch(context.Background(), actor, body)
}

func (f *dispatchFixture) follow(t *testing.T, from, to *domain.Account) {
	t.Helper()
	require.NoError(t, f.db.CreateFollow(context.Background(), &domain.Follow{
		AccountId: from.Id, TargetAccountId: to.Id, URI: fmt.Sprintf("%s/follows/%d", from.URI, to.Id), Accepted: true,
	}))
}

func (f *dispatchFixture) note(id string, author *domain.Account, extra map[string]interface{}) map[string]interface{} {
	note := map[string]interface{}{
		"id":           id,
		"type":         "Note",
		"attributedTo": author.URI,
		"content":      "<p>hello</p>",
		"published":    "2024-05-01T12:00:00Z",
		"to":           []string{"https://www.w3.org/ns/activitystreams#Public"},
		"cc":           []string{author.URI + "/followers"},
	}
	for k, v := range extra {
		note[k] = v
	}
	return note
}

func (f *dispatchFixture) create(t *testing.T, author *domain.Account, note map[string]interface{}) error {
	t.Helper()
	return f.dispatch(t, author, map[string]interface{}{
		"id":     note["id"].(string) + "/activity",
		"type":   "Create",
		"object": note,
	})
}

func TestDispatchRejectsForeignActor(t *testing.T) {
	f := newDispatchFixture(t)
	err := f.dispatch(t, f.bob, map[string]interface{}{
		"id": "https://x/1", "type": "Follow", "actor": "https://evil.test/users/eve", "object": f.alice.URI,
	})
	assert.ErrorIs(t, err, ErrActorMismatch)
}

func TestDispatchIgnoresUnsupportedKinds(t *testing.T) {
	f := newDispatchFixture(t)
	require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": f.bob.URI + "/likes/1", "type": "Like", "object": "x"}))

	_, err := f.db.ReadActivityByURI(context.Background(), f.bob.URI+"/likes/1")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestDispatchDeduplicates(t *testing.T) {
	f := newDispatchFixture(t)
	follow := map[string]interface{}{"id": f.bob.URI + "/follows/1", "type": "Follow", "object": f.alice.URI}

	require.NoError(t, f.dispatch(t, f.bob, follow))
	require.NoError(t, f.dispatch(t, f.bob, follow))
	assert.Len(t, f.rec.accepted, 1)

	activity, err := f.db.ReadActivityByURI(context.Background(), f.bob.URI+"/follows/1")
	require.NoError(t, err)
	assert.True(t, activity.Processed)
	assert.Equal(t, "Follow", activity.ActivityType)
	assert.Equal(t, f.alice.URI, activity.ObjectURI)
}

func TestDispatchDropsSuspendedActors(t *testing.T) {
	f := newDispatchFixture(t)
	f.bob.Suspended = true
	require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": f.bob.URI + "/follows/1", "type": "Follow", "object": f.alice.URI}))
	assert.Empty(t, f.rec.accepted)
}

func TestLookupKind(t *testing.T) {
	kind, ok := LookupKind("Announce")
	require.True(t, ok)
	assert.Equal(t, KindAnnounce, kind)
	assert.Equal(t, "Announce", kind.String())

	_, ok = LookupKind("Like")
	assert.False(t, ok)
}

func TestFollowActivity(t *testing.T) {
	ctx := context.Background()

	t.Run("unlocked accounts accept right away", func(t *testing.T) {
		f := newDispatchFixture(t)
		require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": f.bob.URI + "/follows/1", "type": "Follow", "object": f.alice.URI}))

		follows, err := f.db.Follows(ctx, f.bob.Id, f.alice.Id)
		require.NoError(t, err)
		assert.True(t, follows)
		assert.Equal(t, []string{f.bob.URI + "/follows/1"}, f.rec.accepted)
	})

	t.Run("locked accounts keep it pending", func(t *testing.T) {
		f := newDispatchFixture(t)
		f.alice.Locked = true
		require.NoError(t, f.db.UpdateAccount(ctx, f.alice))
		require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": f.bob.URI + "/follows/1", "type": "Follow", "object": f.alice.URI}))

		follows, err := f.db.Follows(ctx, f.bob.Id, f.alice.Id)
		require.NoError(t, err)
		assert.False(t, follows)
		pending, err := f.db.ReadFollowByURI(ctx, f.bob.URI+"/follows/1")
		require.NoError(t, err)
		assert.False(t, pending.Accepted)
		assert.Empty(t, f.rec.accepted)
	})

	t.Run("blocked followers are ignored", func(t *testing.T) {
		f := newDispatchFixture(t)
		require.NoError(t, f.db.CreateBlock(ctx, &domain.Block{AccountId: f.alice.Id, TargetAccountId: f.bob.Id}))
		require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": f.bob.URI + "/follows/1", "type": "Follow", "object": f.alice.URI}))
		_, err := f.db.ReadFollowByURI(ctx, f.bob.URI+"/follows/1")
		assert.ErrorIs(t, err, db.ErrNotFound)
	})

	t.Run("remote targets are not ours", func(t *testing.T) {
		f := newDispatchFixture(t)
		require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": f.bob.URI + "/follows/1", "type": "Follow", "object": "https://elsewhere.test/users/x"}))
		assert.Empty(t, f.rec.accepted)
	})
}

func TestCreateActivity(t *testing.T) {
	ctx := context.Background()

	t.Run("stores and distributes posts of followed accounts", func(t *testing.T) {
		f := newDispatchFixture(t)
		f.follow(t, f.alice, f.bob)
		parent := &domain.Status{AccountId: f.alice.Id, URI: f.alice.URI + "/statuses/1", Local: true}
		require.NoError(t, f.db.CreateStatus(ctx, parent))

		note := f.note(f.bob.URI+"/statuses/1", f.bob, map[string]interface{}{
			"inReplyTo": parent.URI,
			"summary":   "cw",
			"tag": []map[string]string{
				{"type": "Mention", "href": f.alice.URI, "name": "@alice"},
				{"type": "Mention", "href": "https://unknown.test/users/x"},
				{"type": "Hashtag", "name": "#GoLang"},
			},
		})
		require.NoError(t, f.create(t, f.bob, note))

		require.Len(t, f.rec.distributed, 1)
		s := f.rec.distributed[0]
		assert.Equal(t, f.bob.URI+"/statuses/1", s.URI)
		assert.Equal(t, f.bob.Id, s.AccountId)
		assert.Equal(t, domain.VisibilityPublic, s.Visibility)
		assert.Equal(t, "cw", s.SpoilerText)
		assert.Equal(t, []int64{f.alice.Id}, s.Mentions)
		assert.Equal(t, []string{"golang"}, s.Tags)
		assert.Equal(t, parent.Id, s.InReplyToId)
		assert.Equal(t, f.alice.Id, s.InReplyToAccountId)
		assert.True(t, s.Reply)
		require.NotNil(t, s.Account)
		assert.Equal(t, "bob", s.Account.Username)

		// delivered again under another activity id
		note["content"] = "changed"
		require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": "https://other/2", "type": "Create", "object": note}))
		assert.Len(t, f.rec.distributed, 1)
	})

	t.Run("visibility follows addressing", func(t *testing.T) {
		f := newDispatchFixture(t)
		f.follow(t, f.alice, f.bob)
		followers := f.bob.URI + "/followers"
		for i, tc := range []struct {
			to, cc []string
			want   domain.Visibility
		}{
			{[]string{"as:Public"}, nil, domain.VisibilityPublic},
			{[]string{followers}, []string{"https://www.w3.org/ns/activitystreams#Public"}, domain.VisibilityUnlisted},
			{[]string{followers}, nil, domain.VisibilityPrivate},
			{[]string{f.alice.URI}, nil, domain.VisibilityDirect},
		} {
			note := f.note(fmt.Sprintf("%s/statuses/v%d", f.bob.URI, i), f.bob, map[string]interface{}{"to": tc.to, "cc": tc.cc})
			require.NoError(t, f.create(t, f.bob, note))
			require.Len(t, f.rec.distributed, i+1)
			assert.Equal(t, tc.want, f.rec.distributed[i].Visibility, "case %d", i)
		}
	})

	t.Run("drops posts nobody here follows or is mentioned in", func(t *testing.T) {
		f := newDispatchFixture(t)
		require.NoError(t, f.create(t, f.bob, f.note(f.bob.URI+"/statuses/1", f.bob, nil)))
		assert.Empty(t, f.rec.distributed)
		_, err := f.db.ReadStatusByURI(ctx, f.bob.URI+"/statuses/1")
		assert.ErrorIs(t, err, db.ErrNotFound)
	})

	t.Run("keeps unfollowed posts mentioning a local account", func(t *testing.T) {
		f := newDispatchFixture(t)
		note := f.note(f.bob.URI+"/statuses/1", f.bob, map[string]interface{}{
			"tag": map[string]string{"type": "Mention", "href": f.alice.URI},
		})
		require.NoError(t, f.create(t, f.bob, note))
		assert.Len(t, f.rec.distributed, 1)
	})

	t.Run("rejects notes attributed to someone else", func(t *testing.T) {
		f := newDispatchFixture(t)
		f.follow(t, f.alice, f.bob)
		note := f.note(f.bob.URI+"/statuses/1", f.bob, map[string]interface{}{"attributedTo": f.alice.URI})
		assert.ErrorIs(t, f.create(t, f.bob, note), ErrActorMismatch)
	})
}

func TestAnnounceActivity(t *testing.T) {
	ctx := context.Background()

	t.Run("reblogs a known status once", func(t *testing.T) {
		f := newDispatchFixture(t)
		original := &domain.Status{AccountId: f.alice.Id, URI: f.alice.URI + "/statuses/1", Local: true}
		require.NoError(t, f.db.CreateStatus(ctx, original))

		announce := map[string]interface{}{"id": f.bob.URI + "/announces/1", "type": "Announce", "object": original.URI,
			"to": []string{"https://www.w3.org/ns/activitystreams#Public"}}
		require.NoError(t, f.dispatch(t, f.bob, announce))
		require.Len(t, f.rec.distributed, 1)
		reblog := f.rec.distributed[0]
		assert.Equal(t, original.Id, reblog.ReblogOfId)
		assert.Equal(t, f.bob.URI+"/announces/1", reblog.URI)
		require.NotNil(t, reblog.Reblog)
		assert.Equal(t, original.Id, reblog.Reblog.Id)

		announce["id"] = f.bob.URI + "/announces/2"
		require.NoError(t, f.dispatch(t, f.bob, announce))
		assert.Len(t, f.rec.distributed, 1)
	})

	t.Run("dereferences reblogs to the original", func(t *testing.T) {
		f := newDispatchFixture(t)
		original := &domain.Status{AccountId: f.alice.Id, URI: f.alice.URI + "/statuses/1", Local: true}
		require.NoError(t, f.db.CreateStatus(ctx, original))
		carol := remoteAccount(t, f.db, "carol", "third.test")
		middle := &domain.Status{AccountId: carol.Id, URI: carol.URI + "/announces/1", ReblogOfId: original.Id}
		require.NoError(t, f.db.CreateStatus(ctx, middle))

		require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": f.bob.URI + "/announces/1", "type": "Announce", "object": middle.URI}))
		require.Len(t, f.rec.distributed, 1)
		assert.Equal(t, original.Id, f.rec.distributed[0].ReblogOfId)
	})

	t.Run("fetches unknown originals from their home server", func(t *testing.T) {
		f := newDispatchFixture(t)
		uri := "https://" + f.remote.host + "/notes/7"
		f.remote.serve("/notes/7", f.note(uri, f.bob, nil))

		require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": f.bob.URI + "/announces/1", "type": "Announce", "object": uri}))
		original, err := f.db.ReadStatusByURI(ctx, uri)
		require.NoError(t, err)
		assert.Equal(t, f.bob.Id, original.AccountId)
		require.Len(t, f.rec.distributed, 1)
		assert.Equal(t, original.Id, f.rec.distributed[0].ReblogOfId)
	})

	t.Run("ignores fetched notes attributed to another host", func(t *testing.T) {
		f := newDispatchFixture(t)
		uri := "https://" + f.remote.host + "/notes/8"
		f.remote.serve("/notes/8", f.note(uri, f.alice, nil))

		require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": f.bob.URI + "/announces/1", "type": "Announce", "object": uri}))
		assert.Empty(t, f.rec.distributed)
		_, err := f.db.ReadStatusByURI(ctx, uri)
		assert.ErrorIs(t, err, db.ErrNotFound)
	})

	t.Run("ignores private originals", func(t *testing.T) {
		f := newDispatchFixture(t)
		original := &domain.Status{AccountId: f.alice.Id, URI: f.alice.URI + "/statuses/1", Visibility: domain.VisibilityPrivate, Local: true}
		require.NoError(t, f.db.CreateStatus(ctx, original))
		require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": f.bob.URI + "/announces/1", "type": "Announce", "object": original.URI}))
		assert.Empty(t, f.rec.distributed)
	})
}

func TestDeleteActivity(t *testing.T) {
	ctx := context.Background()

	t.Run("removes the actor's status", func(t *testing.T) {
		f := newDispatchFixture(t)
		s := &domain.Status{AccountId: f.bob.Id, URI: f.bob.URI + "/statuses/1"}
		require.NoError(t, f.db.CreateStatus(ctx, s))

		require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": s.URI + "#delete", "type": "Delete",
			"object": map[string]string{"id": s.URI, "type": "Tombstone"}}))
		require.Len(t, f.rec.removed, 1)
		assert.Equal(t, s.Id, f.rec.removed[0][0].Id)
	})

	t.Run("leaves other accounts' statuses alone", func(t *testing.T) {
		f := newDispatchFixture(t)
		s := &domain.Status{AccountId: f.alice.Id, URI: f.alice.URI + "/statuses/1", Local: true}
		require.NoError(t, f.db.CreateStatus(ctx, s))

		require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": "https://x/d", "type": "Delete", "object": s.URI}))
		assert.Empty(t, f.rec.removed)
	})

	t.Run("unknown statuses are fine", func(t *testing.T) {
		f := newDispatchFixture(t)
		require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": "https://x/d", "type": "Delete", "object": "https://x/gone"}))
		assert.Empty(t, f.rec.removed)
	})

	t.Run("an actor deleting itself is suspended", func(t *testing.T) {
		f := newDispatchFixture(t)
		s := &domain.Status{AccountId: f.bob.Id, URI: f.bob.URI + "/statuses/1"}
		require.NoError(t, f.db.CreateStatus(ctx, s))

		require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": f.bob.URI + "#delete", "type": "Delete", "object": f.bob.URI}))
		acc, err := f.db.ReadAccountById(ctx, f.bob.Id)
		require.NoError(t, err)
		assert.True(t, acc.Suspended)
		require.Len(t, f.rec.removed, 1)
		assert.Len(t, f.rec.removed[0], 1)
	})
}

func TestUndoActivity(t *testing.T) {
	ctx := context.Background()

	t.Run("announce", func(t *testing.T) {
		f := newDispatchFixture(t)
		original := &domain.Status{AccountId: f.alice.Id, URI: f.alice.URI + "/statuses/1", Local: true}
		require.NoError(t, f.db.CreateStatus(ctx, original))
		reblog := &domain.Status{AccountId: f.bob.Id, URI: f.bob.URI + "/announces/1", ReblogOfId: original.Id}
		require.NoError(t, f.db.CreateStatus(ctx, reblog))

		require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": reblog.URI + "#undo", "type": "Undo",
			"object": map[string]string{"id": reblog.URI, "type": "Announce", "object": original.URI}}))
		require.Len(t, f.rec.removed, 1)
		assert.Equal(t, reblog.Id, f.rec.removed[0][0].Id)
	})

	t.Run("follow", func(t *testing.T) {
		f := newDispatchFixture(t)
		require.NoError(t, f.db.CreateFollow(ctx, &domain.Follow{AccountId: f.bob.Id, TargetAccountId: f.alice.Id, URI: f.bob.URI + "/follows/1", Accepted: true}))

		require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": f.bob.URI + "/follows/1#undo", "type": "Undo",
			"object": map[string]string{"id": f.bob.URI + "/follows/1", "type": "Follow", "object": f.alice.URI}}))
		follows, err := f.db.Follows(ctx, f.bob.Id, f.alice.Id)
		require.NoError(t, err)
		assert.False(t, follows)
	})

	t.Run("follow by target when the id is unknown", func(t *testing.T) {
		f := newDispatchFixture(t)
		f.follow(t, f.bob, f.alice)

		require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": "https://x/undo", "type": "Undo",
			"object": map[string]string{"id": "https://x/never-seen", "type": "Follow", "object": f.alice.URI}}))
		follows, err := f.db.Follows(ctx, f.bob.Id, f.alice.Id)
		require.NoError(t, err)
		assert.False(t, follows)
	})

	t.Run("block", func(t *testing.T) {
		f := newDispatchFixture(t)
		require.NoError(t, f.db.CreateBlock(ctx, &domain.Block{AccountId: f.bob.Id, TargetAccountId: f.alice.Id}))

		require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": "https://x/undo", "type": "Undo",
			"object": map[string]string{"id": "https://x/block", "type": "Block", "object": f.alice.URI}}))
		blocked, err := f.db.BlocksAny(ctx, f.bob.Id, []int64{f.alice.Id})
		require.NoError(t, err)
		assert.False(t, blocked)
	})
}

func TestAcceptAndRejectActivities(t *testing.T) {
	ctx := context.Background()

	t.Run("accept by follow id merges the timeline", func(t *testing.T) {
		f := newDispatchFixture(t)
		require.NoError(t, f.db.CreateFollow(ctx, &domain.Follow{AccountId: f.alice.Id, TargetAccountId: f.bob.Id, URI: "https://" + localDomain + "/activities/1"}))

		require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": f.bob.URI + "#accepts/1", "type": "Accept",
			"object": "https://" + localDomain + "/activities/1"}))
		follows, err := f.db.Follows(ctx, f.alice.Id, f.bob.Id)
		require.NoError(t, err)
		assert.True(t, follows)
		assert.Equal(t, [][2]int64{{f.bob.Id, f.alice.Id}}, f.rec.merged)
	})

	t.Run("accept by embedded follower", func(t *testing.T) {
		f := newDispatchFixture(t)
		require.NoError(t, f.db.CreateFollow(ctx, &domain.Follow{AccountId: f.alice.Id, TargetAccountId: f.bob.Id, URI: "https://" + localDomain + "/activities/1"}))

		require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": f.bob.URI + "#accepts/1", "type": "Accept",
			"object": map[string]string{"id": "https://rewritten/1", "type": "Follow", "actor": f.alice.URI, "object": f.bob.URI}}))
		follows, err := f.db.Follows(ctx, f.alice.Id, f.bob.Id)
		require.NoError(t, err)
		assert.True(t, follows)
	})

	t.Run("accept of someone else's follow is ignored", func(t *testing.T) {
		f := newDispatchFixture(t)
		carol := remoteAccount(t, f.db, "carol", "third.test")
		require.NoError(t, f.db.CreateFollow(ctx, &domain.Follow{AccountId: f.alice.Id, TargetAccountId: carol.Id, URI: "https://" + localDomain + "/activities/1"}))

		require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": f.bob.URI + "#accepts/1", "type": "Accept",
			"object": "https://" + localDomain + "/activities/1"}))
		follows, err := f.db.Follows(ctx, f.alice.Id, carol.Id)
		require.NoError(t, err)
		assert.False(t, follows)
		assert.Empty(t, f.rec.merged)
	})

	t.Run("reject drops the follow and unmerges", func(t *testing.T) {
		f := newDispatchFixture(t)
		require.NoError(t, f.db.CreateFollow(ctx, &domain.Follow{AccountId: f.alice.Id, TargetAccountId: f.bob.Id, URI: "https://" + localDomain + "/activities/1", Accepted: true}))

		require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": f.bob.URI + "#rejects/1", "type": "Reject",
			"object": "https://" + localDomain + "/activities/1"}))
		_, err := f.db.ReadFollowByURI(ctx, "https://"+localDomain+"/activities/1")
		assert.ErrorIs(t, err, db.ErrNotFound)
		assert.Equal(t, [][2]int64{{f.bob.Id, f.alice.Id}}, f.rec.unmerged)
	})
}

func TestBlockActivity(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture(t)
	f.follow(t, f.alice, f.bob)
	f.follow(t, f.bob, f.alice)

	require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": f.bob.URI + "/blocks/1", "type": "Block", "object": f.alice.URI}))

	blocked, err := f.db.BlocksAny(ctx, f.bob.Id, []int64{f.alice.Id})
	require.NoError(t, err)
	assert.True(t, blocked)
	for _, pair := range [][2]*domain.Account{{f.alice, f.bob}, {f.bob, f.alice}} {
		follows, err := f.db.Follows(ctx, pair[0].Id, pair[1].Id)
		require.NoError(t, err)
		assert.False(t, follows)
	}
	assert.Equal(t, [][2]int64{{f.alice.Id, f.bob.Id}}, f.rec.cleared)
}

func TestUpdateActivity(t *testing.T) {
	f := newDispatchFixture(t)

	require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": f.bob.URI + "#updates/1", "type": "Update",
		"object": map[string]string{"id": f.bob.URI, "type": "Person"}}))
	assert.Equal(t, []string{f.bob.URI}, f.rec.refreshed)

	require.NoError(t, f.dispatch(t, f.bob, map[string]interface{}{"id": f.bob.URI + "#updates/2", "type": "Update",
		"object": map[string]string{"id": f.bob.URI + "/statuses/1", "type": "Note"}}))
	assert.Len(t, f.rec.refreshed, 1)

	err := f.dispatch(t, f.bob, map[string]interface{}{"id": f.bob.URI + "#updates/3", "type": "Update",
		"object": map[string]string{"id": f.alice.URI, "type": "Person"}})
	assert.ErrorIs(t, err, ErrActorMismatch)
}
