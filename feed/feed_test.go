package feed

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/streaming"
	"github.com/deemkeen/mammut/timeline"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	db       *db.DB
	store    *timeline.Store
	recorder *streaming.Recorder
	manager  *Manager
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	database, err := db.Open(filepath.Join(t.TempDir(), "feed.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store, err := timeline.NewStore(timeline.StoreConfig{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	recorder := &streaming.Recorder{}
	manager, err := NewManager(store, database, recorder, opts, logger)
	require.NoError(t, err)

	return &fixture{db: database, store: store, recorder: recorder, manager: manager}
}

func (f *fixture) account(t *testing.T, username, domainName string) *domain.Account {
	t.Helper()
	host := domainName
	if host == "" {
		host = "local.test"
	}
	acc := &domain.Account{
		Username: username,
		Domain:   domainName,
		URI:      "https://" + host + "/users/" + username,
		InboxURI: "https://" + host + "/users/" + username + "/inbox",
	}
	require.NoError(t, f.db.CreateAccount(context.Background(), acc))
	return acc
}

func (f *fixture) status(t *testing.T, s *domain.Status) *domain.Status {
	t.Helper()
	require.NoError(t, f.db.CreateStatus(context.Background(), s))
	return s
}

func (f *fixture) post(t *testing.T, author *domain.Account, text string) *domain.Status {
	t.Helper()
	return f.status(t, &domain.Status{AccountId: author.Id, Text: text})
}

func (f *fixture) reblog(t *testing.T, by *domain.Account, original *domain.Status) *domain.Status {
	t.Helper()
	return f.status(t, &domain.Status{AccountId: by.Id, ReblogOfId: original.Id})
}

func (f *fixture) reply(t *testing.T, by *domain.Account, parent *domain.Status, text string) *domain.Status {
	t.Helper()
	return f.status(t, &domain.Status{
		AccountId:          by.Id,
		Text:               text,
		InReplyToId:        parent.Id,
		InReplyToAccountId: parent.AccountId,
	})
}

func (f *fixture) follow(t *testing.T, from, to *domain.Account) {
	t.Helper()
	require.NoError(t, f.db.CreateFollow(context.Background(), &domain.Follow{
		AccountId:       from.Id,
		TargetAccountId: to.Id,
		Accepted:        true,
	}))
}

func (f *fixture) timeline(t *testing.T, kind Kind, id int64) []int64 {
	t.Helper()
	ids, err := f.manager.Timeline(context.Background(), kind, id, f.manager.Options().MaxItems)
	require.NoError(t, err)
	return ids
}

func (f *fixture) card(t *testing.T, key string) int {
	t.Helper()
	var n int
	err := f.store.View(context.Background(), func(tx *timeline.Tx) error {
		var err error
		n, err = tx.Set(key).Card()
		return err
	})
	require.NoError(t, err)
	return n
}

// bare builds a status that only lives in the feed, for dedup tests that
// never consult storage.
func bare(reblogOf int64) *domain.Status {
	return &domain.Status{
		Id:         domain.NewStatusId(time.Now()),
		AccountId:  1,
		ReblogOfId: reblogOf,
		Visibility: domain.VisibilityPublic,
	}
}

func decodeEvent(t *testing.T, payload []byte) streaming.Event {
	t.Helper()
	var event streaming.Event
	require.NoError(t, json.Unmarshal(payload, &event))
	return event
}
