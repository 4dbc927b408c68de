package distribution

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/feed"
	"github.com/deemkeen/mammut/serializer"
	"github.com/deemkeen/mammut/streaming"
	"github.com/deemkeen/mammut/timeline"
	"github.com/deemkeen/mammut/util"
	"github.com/deemkeen/mammut/worker"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const localDomain = "local.test"

type fixture struct {
	db          *db.DB
	recorder    *streaming.Recorder
	feeds       *feed.Manager
	pool        *worker.Pool
	distributor *Distributor
	remover     *BatchedRemover
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithPool(t, worker.Config{Workers: 4, JobTimeout: 10 * time.Second})
}

func newFixtureWithPool(t *testing.T, poolConf worker.Config) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	database, err := db.Open(filepath.Join(t.TempDir(), "distribution.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store, err := timeline.NewStore(timeline.StoreConfig{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	recorder := &streaming.Recorder{}
	feeds, err := feed.NewManager(store, database, recorder, feed.Options{}, logger)
	require.NoError(t, err)

	pool := worker.NewPool(poolConf, logger)
	t.Cleanup(pool.Close)

	conf := Config{
		DB:        database,
		Feeds:     feeds,
		Publisher: recorder,
		Pool:      pool,
		Outbox:    activitypub.NewOutbox(database, localDomain, nil, logger),
		Logger:    logger,
	}
	distributor, err := NewDistributor(conf)
	require.NoError(t, err)
	remover, err := NewBatchedRemover(conf)
	require.NoError(t, err)

	return &fixture{db: database, recorder: recorder, feeds: feeds, pool: pool, distributor: distributor, remover: remover}
}

func (f *fixture) local(t *testing.T, username string) *domain.Account {
	t.Helper()
	pair, err := util.GeneratePemKeypair()
	require.NoError(t, err)
	acc := &domain.Account{
		Username:   username,
		URI:        serializer.ActorURI(localDomain, username),
		InboxURI:   serializer.ActorURI(localDomain, username) + "/inbox",
		PublicKey:  pair.Public,
		PrivateKey: pair.Private,
	}
	require.NoError(t, f.db.CreateAccount(context.Background(), acc))
	return acc
}

func (f *fixture) remote(t *testing.T, username, host string) *domain.Account {
	t.Helper()
	acc := &domain.Account{
		Username:       username,
		Domain:         host,
		URI:            "https://" + host + "/users/" + username,
		InboxURI:       "https://" + host + "/users/" + username + "/inbox",
		SharedInboxURI: "https://" + host + "/inbox",
	}
	require.NoError(t, f.db.CreateAccount(context.Background(), acc))
	return acc
}

func (f *fixture) follow(t *testing.T, from, to *domain.Account) {
	t.Helper()
	require.NoError(t, f.db.CreateFollow(context.Background(), &domain.Follow{
		AccountId:       from.Id,
		TargetAccountId: to.Id,
		URI:             from.URI + "#follows/" + to.Username,
		Accepted:        true,
	}))
}

// post stores a status of author. Local authors get a local URI.
func (f *fixture) post(t *testing.T, author *domain.Account, s *domain.Status) *domain.Status {
	t.Helper()
	s.Id = domain.NewStatusId(time.Now())
	s.AccountId = author.Id
	if author.IsLocal() {
		s.Local = true
		s.URI = serializer.StatusURI(localDomain, author.Username, s.Id)
	} else {
		s.URI = fmt.Sprintf("%s/statuses/%d", author.URI, s.Id)
	}
	require.NoError(t, f.db.CreateStatus(context.Background(), s))
	return s
}

func (f *fixture) timeline(t *testing.T, kind feed.Kind, id int64) []int64 {
	t.Helper()
	ids, err := f.feeds.Timeline(context.Background(), kind, id, f.feeds.Options().MaxItems)
	require.NoError(t, err)
	return ids
}

// deliveries returns the queued payloads by inbox.
func (f *fixture) deliveries(t *testing.T) map[string][]map[string]interface{} {
	t.Helper()
	items, err := f.db.ReadPendingDeliveries(context.Background(), 100)
	require.NoError(t, err)

	out := make(map[string][]map[string]interface{})
	for _, item := range items {
		var doc map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(item.ActivityJSON), &doc))
		out[item.InboxURI] = append(out[item.InboxURI], doc)
	}
	return out
}

// rawDeliveries returns the queued payload bytes by inbox.
func (f *fixture) rawDeliveries(t *testing.T) map[string][]string {
	t.Helper()
	items, err := f.db.ReadPendingDeliveries(context.Background(), 100)
	require.NoError(t, err)

	out := make(map[string][]string)
	for _, item := range items {
		out[item.InboxURI] = append(out[item.InboxURI], item.ActivityJSON)
	}
	return out
}

func (f *fixture) clearDeliveries(t *testing.T) {
	t.Helper()
	items, err := f.db.ReadPendingDeliveries(context.Background(), 100)
	require.NoError(t, err)
	for _, item := range items {
		require.NoError(t, f.db.DeleteDelivery(context.Background(), item.Id))
	}
}
