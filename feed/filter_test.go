package feed

import (
	"context"
	"testing"

	"github.com/deemkeen/mammut/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterHome(t *testing.T) {
	ctx := context.Background()

	// alice and jeff are local, bob is remote
	setup := func(t *testing.T) (*fixture, *domain.Account, *domain.Account, *domain.Account) {
		f := newFixture(t, Options{})
		return f, f.account(t, "alice", ""), f.account(t, "bob", "example.com"), f.account(t, "jeff", "")
	}

	filtered := func(t *testing.T, f *fixture, status *domain.Status, receiver *domain.Account) bool {
		t.Helper()
		res, err := f.manager.Filter(ctx, KindHome, status, receiver.Id)
		require.NoError(t, err)
		return res
	}

	t.Run("keeps followee's status", func(t *testing.T) {
		f, alice, bob, _ := setup(t)
		status := f.post(t, alice, "Hello world")
		f.follow(t, bob, alice)
		assert.False(t, filtered(t, f, status, bob))
	})

	t.Run("keeps own status", func(t *testing.T) {
		f, alice, _, _ := setup(t)
		status := f.post(t, alice, "Hello world")
		assert.False(t, filtered(t, f, status, alice))
	})

	t.Run("filters status of someone not followed", func(t *testing.T) {
		f, alice, bob, _ := setup(t)
		status := f.post(t, alice, "Hello world")
		assert.True(t, filtered(t, f, status, bob))
	})

	t.Run("keeps status of someone not followed mentioning the receiver", func(t *testing.T) {
		f, alice, bob, _ := setup(t)
		status := f.status(t, &domain.Status{AccountId: alice.Id, Text: "Hey @bob", Mentions: []int64{bob.Id}})
		assert.False(t, filtered(t, f, status, bob))
	})

	t.Run("keeps reblog by followee", func(t *testing.T) {
		f, alice, bob, jeff := setup(t)
		status := f.post(t, jeff, "Hello world")
		reblog := f.reblog(t, alice, status)
		f.follow(t, bob, alice)
		assert.False(t, filtered(t, f, reblog, bob))
	})

	t.Run("filters reblog by followee of blocked account", func(t *testing.T) {
		f, alice, bob, jeff := setup(t)
		status := f.post(t, jeff, "Hello world")
		reblog := f.reblog(t, alice, status)
		f.follow(t, bob, alice)
		require.NoError(t, f.db.CreateBlock(ctx, &domain.Block{AccountId: bob.Id, TargetAccountId: jeff.Id}))
		assert.True(t, filtered(t, f, reblog, bob))
	})

	t.Run("filters reblog by followee of muted account", func(t *testing.T) {
		f, alice, bob, jeff := setup(t)
		status := f.post(t, jeff, "Hello world")
		reblog := f.reblog(t, alice, status)
		f.follow(t, bob, alice)
		require.NoError(t, f.db.CreateMute(ctx, bob.Id, jeff.Id))
		assert.True(t, filtered(t, f, reblog, bob))
	})

	t.Run("filters reblog of someone blocking the receiver", func(t *testing.T) {
		f, alice, bob, jeff := setup(t)
		status := f.post(t, jeff, "Hello world")
		reblog := f.reblog(t, alice, status)
		f.follow(t, bob, alice)
		require.NoError(t, f.db.CreateBlock(ctx, &domain.Block{AccountId: jeff.Id, TargetAccountId: bob.Id}))
		assert.True(t, filtered(t, f, reblog, bob))
	})

	t.Run("filters reblog whose original is gone", func(t *testing.T) {
		f, alice, bob, jeff := setup(t)
		status := f.post(t, jeff, "Hello world")
		reblog := f.reblog(t, alice, status)
		f.follow(t, bob, alice)
		require.NoError(t, f.db.DeleteStatuses(ctx, []int64{status.Id}))
		assert.True(t, filtered(t, f, reblog, bob))
	})

	t.Run("keeps reply by followee to another followee", func(t *testing.T) {
		f, alice, bob, jeff := setup(t)
		status := f.post(t, jeff, "Hello world")
		reply := f.reply(t, alice, status, "Nay")
		f.follow(t, bob, alice)
		f.follow(t, bob, jeff)
		assert.False(t, filtered(t, f, reply, bob))
	})

	t.Run("keeps reply by followee to receiver", func(t *testing.T) {
		f, alice, bob, _ := setup(t)
		status := f.post(t, bob, "Hello world")
		reply := f.reply(t, alice, status, "Nay")
		f.follow(t, bob, alice)
		assert.False(t, filtered(t, f, reply, bob))
	})

	t.Run("keeps reply by followee to self", func(t *testing.T) {
		f, alice, bob, _ := setup(t)
		status := f.post(t, alice, "Hello world")
		reply := f.reply(t, alice, status, "Nay")
		f.follow(t, bob, alice)
		assert.False(t, filtered(t, f, reply, bob))
	})

	t.Run("filters reply by followee to non-followed account", func(t *testing.T) {
		f, alice, bob, jeff := setup(t)
		status := f.post(t, jeff, "Hello world")
		reply := f.reply(t, alice, status, "Nay")
		f.follow(t, bob, alice)
		assert.True(t, filtered(t, f, reply, bob))
	})

	t.Run("filters second self-reply to an unknown parent", func(t *testing.T) {
		f, alice, bob, _ := setup(t)
		first := f.status(t, &domain.Status{AccountId: alice.Id, Text: "Reply 1", Reply: true})
		second := f.reply(t, alice, first, "Reply 2")
		f.follow(t, bob, alice)
		assert.True(t, filtered(t, f, second, bob))
	})

	t.Run("judges a self-reply chain by its root", func(t *testing.T) {
		f, alice, bob, jeff := setup(t)
		root := f.post(t, jeff, "Hello world")
		first := f.reply(t, alice, root, "1")
		second := f.reply(t, alice, first, "2")
		third := f.reply(t, alice, second, "3")
		f.follow(t, bob, alice)
		assert.True(t, filtered(t, f, third, bob))

		f.follow(t, bob, jeff)
		assert.False(t, filtered(t, f, third, bob))
	})

	t.Run("keeps status by followee mentioning another account", func(t *testing.T) {
		f, alice, bob, jeff := setup(t)
		f.follow(t, bob, alice)
		status := f.status(t, &domain.Status{AccountId: alice.Id, Text: "Hey @jeff", Mentions: []int64{jeff.Id}})
		assert.False(t, filtered(t, f, status, bob))
	})

	t.Run("filters status by followee mentioning blocked account", func(t *testing.T) {
		f, alice, bob, jeff := setup(t)
		require.NoError(t, f.db.CreateBlock(ctx, &domain.Block{AccountId: bob.Id, TargetAccountId: jeff.Id}))
		f.follow(t, bob, alice)
		status := f.status(t, &domain.Status{AccountId: alice.Id, Text: "Hey @jeff", Mentions: []int64{jeff.Id}})
		assert.True(t, filtered(t, f, status, bob))
	})

	t.Run("filters reblog of a personally blocked domain", func(t *testing.T) {
		f, alice, bob, jeff := setup(t)
		require.NoError(t, f.db.CreateAccountDomainBlock(ctx, alice.Id, "example.com"))
		f.follow(t, alice, jeff)
		status := f.post(t, bob, "Hello world")
		reblog := f.reblog(t, jeff, status)
		assert.True(t, filtered(t, f, reblog, alice))
	})
}

func TestFilterMentions(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fixture, *domain.Account, *domain.Account, *domain.Account) {
		f := newFixture(t, Options{})
		return f, f.account(t, "alice", ""), f.account(t, "bob", "example.com"), f.account(t, "jeff", "")
	}

	filtered := func(t *testing.T, f *fixture, status *domain.Status, receiver *domain.Account) bool {
		t.Helper()
		res, err := f.manager.Filter(ctx, KindMentions, status, receiver.Id)
		require.NoError(t, err)
		return res
	}

	t.Run("filters status mentioning blocked account", func(t *testing.T) {
		f, alice, bob, jeff := setup(t)
		require.NoError(t, f.db.CreateBlock(ctx, &domain.Block{AccountId: bob.Id, TargetAccountId: jeff.Id}))
		status := f.status(t, &domain.Status{AccountId: alice.Id, Text: "Hey @jeff", Mentions: []int64{jeff.Id, bob.Id}})
		assert.True(t, filtered(t, f, status, bob))
	})

	t.Run("filters reply to blocked account", func(t *testing.T) {
		f, alice, bob, jeff := setup(t)
		status := f.post(t, jeff, "Hello world")
		reply := f.reply(t, alice, status, "Nay")
		require.NoError(t, f.db.CreateBlock(ctx, &domain.Block{AccountId: bob.Id, TargetAccountId: jeff.Id}))
		assert.True(t, filtered(t, f, reply, bob))
	})

	t.Run("filters silenced account not followed", func(t *testing.T) {
		f, alice, bob, _ := setup(t)
		status := f.post(t, alice, "Hello world")
		alice.Silenced = true
		require.NoError(t, f.db.UpdateAccount(ctx, alice))
		assert.True(t, filtered(t, f, status, bob))
	})

	t.Run("keeps followed silenced account", func(t *testing.T) {
		f, alice, bob, _ := setup(t)
		status := f.post(t, alice, "Hello world")
		alice.Silenced = true
		require.NoError(t, f.db.UpdateAccount(ctx, alice))
		f.follow(t, bob, alice)
		assert.False(t, filtered(t, f, status, bob))
	})

	t.Run("filters own status", func(t *testing.T) {
		f, alice, _, _ := setup(t)
		status := f.post(t, alice, "Hello world")
		assert.True(t, filtered(t, f, status, alice))
	})

	t.Run("keeps plain mention", func(t *testing.T) {
		f, alice, bob, _ := setup(t)
		status := f.status(t, &domain.Status{AccountId: alice.Id, Text: "Hey @bob", Mentions: []int64{bob.Id}})
		assert.False(t, filtered(t, f, status, bob))
	})
}

func TestFilterUnknownKind(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.manager.Filter(context.Background(), Kind("public"), bare(0), 1)
	assert.ErrorIs(t, err, ErrUnknownFeed)
}
