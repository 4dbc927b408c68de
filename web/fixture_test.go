package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/metrics"
	"github.com/deemkeen/mammut/serializer"
	"github.com/deemkeen/mammut/streaming"
	"github.com/deemkeen/mammut/util"
	"github.com/deemkeen/mammut/worker"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const localDomain = "local.test"

type stubVerifier struct {
	actor *domain.Account
	ok    bool
	calls int
}

func (v *stubVerifier) Verify(ctx context.Context, r *http.Request, body []byte) (*domain.Account, bool) {
	v.calls++
	return v.actor, v.ok
}

type dispatched struct {
	actor *domain.Account
	body  string
}

type recordingInbox struct {
	mu   sync.Mutex
	seen []dispatched
}

func (i *recordingInbox) Dispatch(ctx context.Context, actor *domain.Account, body []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.seen = append(i.seen, dispatched{actor: actor, body: string(body)})
	return nil
}

// inlineJobs runs jobs right away, or refuses them when full is set.
type inlineJobs struct {
	full bool
}

func (j *inlineJobs) Submit(job worker.Job) error {
	if j.full {
		return worker.ErrQueueFull
	}
	return job(context.Background())
}

type fixture struct {
	db       *db.DB
	verifier *stubVerifier
	inbox    *recordingInbox
	jobs     *inlineJobs
	hub      *streaming.Hub
	router   *gin.Engine
	alice    *domain.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	database, err := db.Open(filepath.Join(t.TempDir(), "web.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	pair, err := util.GeneratePemKeypair()
	require.NoError(t, err)
	alice := &domain.Account{
		Username:    "alice",
		DisplayName: "Alice",
		URI:         serializer.ActorURI(localDomain, "alice"),
		InboxURI:    serializer.ActorURI(localDomain, "alice") + "/inbox",
		PublicKey:   pair.Public,
		PrivateKey:  pair.Private,
	}
	require.NoError(t, database.CreateAccount(context.Background(), alice))

	f := &fixture{
		db:       database,
		verifier: &stubVerifier{ok: true, actor: &domain.Account{Id: 99, Username: "bob", Domain: "remote.host", URI: "https://remote.host/users/bob"}},
		inbox:    &recordingInbox{},
		jobs:     &inlineJobs{},
		hub:      streaming.NewHub(8, logger),
		alice:    alice,
	}
	f.router = Router(Config{
		Domain:          localDomain,
		SignatureWindow: 30 * time.Second,
		DB:              database,
		Verifier:        f.verifier,
		Inbox:           f.inbox,
		Jobs:            f.jobs,
		Hub:             f.hub,
		Metrics:         metrics.New(),
		Logger:          logger,
	})
	return f
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) post(t *testing.T, path, body string, date time.Time) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Date", date.UTC().Format(http.TimeFormat))
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) status(t *testing.T, s *domain.Status) *domain.Status {
	t.Helper()
	s.Id = domain.NewStatusId(time.Now())
	s.AccountId = f.alice.Id
	s.Local = true
	s.URI = serializer.StatusURI(localDomain, f.alice.Username, s.Id)
	require.NoError(t, f.db.CreateStatus(context.Background(), s))
	return s
}

// waitForSubscriber blocks until someone listens on channel.
func waitForSubscriber(t *testing.T, hub *streaming.Hub, channel string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.Subscribers(channel) > 0
	}, 2*time.Second, 10*time.Millisecond)
}
