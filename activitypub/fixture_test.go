package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/deemkeen/mammut/worker"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const localDomain = "local.test"

// fakeUser is an account served by fakeRemote.
type fakeUser struct {
	name       string
	key        *rsa.PrivateKey
	pem        string
	subject    string // overrides the JRD subject
	self       string // overrides the JRD self link
	ostatus    bool   // serve OStatus links instead of a self link
	bare       bool   // serve only a profile page link
	keyDoc     bool   // reference the key instead of embedding it
	keyOwner   string // owner named by the key document
	locked     bool
	privatePem string
}

// fakeRemote is a federated server living in an httptest TLS server.
type fakeRemote struct {
	t      *testing.T
	server *httptest.Server
	host   string

	mu          sync.Mutex
	users       map[string]*fakeUser
	documents   map[string]string
	received    []*http.Request
	bodies      [][]byte
	inboxStatus int

	fingers atomic.Int32
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	r := &fakeRemote{
		t:           t,
		users:       make(map[string]*fakeUser),
		documents:   make(map[string]string),
		inboxStatus: http.StatusAccepted,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/webfinger", r.webfinger)
	mux.HandleFunc("GET /users/{name}", r.actor)
	mux.HandleFunc("GET /keys/{name}", r.keyDocument)
	mux.HandleFunc("GET /notes/{id}", r.note)
	mux.HandleFunc("POST /inbox", r.inbox)
	mux.HandleFunc("POST /users/{name}/inbox", r.inbox)

	r.server = httptest.NewTLSServer(mux)
	t.Cleanup(r.server.Close)
	r.host = strings.TrimPrefix(r.server.URL, "https://")
	return r
}

func (r *fakeRemote) client() *http.Client {
	return r.server.Client()
}

func (r *fakeRemote) actorURI(name string) string {
	return "https://" + r.host + "/users/" + name
}

func (r *fakeRemote) handle(name string) string {
	return name + "@" + r.host
}

// addUser registers a user with a fresh key and returns it for tweaking.
func (r *fakeRemote) addUser(name string) *fakeUser {
	r.t.Helper()
	pair, err := util.GeneratePemKeypair()
	require.NoError(r.t, err)
	key, err := util.ParsePrivateKey(pair.Private)
	require.NoError(r.t, err)

	u := &fakeUser{name: name, key: key, pem: pair.Public, privatePem: pair.Private}
	r.mu.Lock()
	r.users[name] = u
	r.mu.Unlock()
	return u
}

// rotateKey gives name a new key pair.
func (r *fakeRemote) rotateKey(name string) {
	r.t.Helper()
	pair, err := util.GeneratePemKeypair()
	require.NoError(r.t, err)
	key, err := util.ParsePrivateKey(pair.Private)
	require.NoError(r.t, err)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[name].key, r.users[name].pem, r.users[name].privatePem = key, pair.Public, pair.Private
}

func (r *fakeRemote) serve(path string, doc interface{}) {
	b, err := json.Marshal(doc)
	require.NoError(r.t, err)
	r.mu.Lock()
	r.documents[path] = string(b)
	r.mu.Unlock()
}

func (r *fakeRemote) user(name string) *fakeUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[name]
}

func (r *fakeRemote) setInboxStatus(code int) {
	r.mu.Lock()
	r.inboxStatus = code
	r.mu.Unlock()
}

func (r *fakeRemote) deliveries() ([]*http.Request, [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*http.Request(nil), r.received...), append([][]byte(nil), r.bodies...)
}

func writeJSON(w http.ResponseWriter, contentType string, doc interface{}) {
	w.Header().Set("Content-Type", contentType)
	_ = json.NewEncoder(w).Encode(doc)
}

func (r *fakeRemote) webfinger(w http.ResponseWriter, req *http.Request) {
	r.fingers.Add(1)
	resource := strings.TrimPrefix(req.URL.Query().Get("resource"), "acct:")
	name, _, _ := strings.Cut(resource, "@")
	u := r.user(name)
	if u == nil {
		http.NotFound(w, req)
		return
	}

	subject := "acct:" + r.handle(name)
	if u.subject != "" {
		subject = u.subject
	}
	profile := Link{Rel: RelProfilePage, Type: "text/html", Href: "https://" + r.host + "/@" + name}
	jrd := JRD{Subject: subject}
	switch {
	case u.bare:
		jrd.Links = []Link{profile}
	case u.ostatus:
		jrd.Links = []Link{
			profile,
			{Rel: RelUpdatesFrom, Type: "application/atom+xml", Href: "https://" + r.host + "/users/" + name + ".atom"},
			{Rel: RelSalmon, Href: "https://" + r.host + "/salmon/" + name},
			{Rel: RelMagicKey, Href: MagicKey(&u.key.PublicKey)},
		}
	default:
		self := r.actorURI(name)
		if u.self != "" {
			self = u.self
		}
		jrd.Links = []Link{profile, {Rel: RelSelf, Type: activityJSON, Href: self}}
	}
	writeJSON(w, "application/jrd+json", jrd)
}

func (r *fakeRemote) actor(w http.ResponseWriter, req *http.Request) {
	u := r.user(req.PathValue("name"))
	if u == nil {
		http.NotFound(w, req)
		return
	}
	id := r.actorURI(u.name)
	var publicKey interface{} = map[string]string{
		"id":           id + "#main-key",
		"owner":        id,
		"publicKeyPem": u.pem,
	}
	if u.keyDoc {
		publicKey = "https://" + r.host + "/keys/" + u.name
	}
	writeJSON(w, activityJSON, map[string]interface{}{
		"@context":                  "https://www.w3.org/ns/activitystreams",
		"id":                        id,
		"type":                      "Person",
		"preferredUsername":         u.name,
		"name":                      strings.ToUpper(u.name),
		"inbox":                     id + "/inbox",
		"outbox":                    id + "/outbox",
		"followers":                 id + "/followers",
		"manuallyApprovesFollowers": u.locked,
		"endpoints":                 map[string]string{"sharedInbox": "https://" + r.host + "/inbox"},
		"publicKey":                 publicKey,
	})
}

func (r *fakeRemote) keyDocument(w http.ResponseWriter, req *http.Request) {
	u := r.user(req.PathValue("name"))
	if u == nil {
		http.NotFound(w, req)
		return
	}
	owner := r.actorURI(u.name)
	if u.keyOwner != "" {
		owner = r.actorURI(u.keyOwner)
	}
	writeJSON(w, activityJSON, KeyDocument{
		ID:           "https://" + r.host + "/keys/" + u.name,
		Type:         "Key",
		Owner:        owner,
		PublicKeyPem: u.pem,
	})
}

func (r *fakeRemote) note(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	doc, ok := r.documents[req.URL.Path]
	r.mu.Unlock()
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", activityJSON)
	_, _ = io.WriteString(w, doc)
}

func (r *fakeRemote) inbox(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.received = append(r.received, req)
	r.bodies = append(r.bodies, body)
	status := r.inboxStatus
	r.mu.Unlock()
	w.WriteHeader(status)
}

// recordingJobs keeps submitted jobs so tests can run them.
type recordingJobs struct {
	mu   sync.Mutex
	jobs []worker.Job
}

func (j *recordingJobs) Submit(job worker.Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobs = append(j.jobs, job)
	return nil
}

func (j *recordingJobs) runAll(t *testing.T) {
	t.Helper()
	j.mu.Lock()
	jobs := j.jobs
	j.jobs = nil
	j.mu.Unlock()
	for _, job := range jobs {
		require.NoError(t, job(context.Background()))
	}
}

func (j *recordingJobs) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.jobs)
}

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "activitypub.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

// localAccount creates a local account with a key pair.
func localAccount(t *testing.T, database *db.DB, username string) *domain.Account {
	t.Helper()
	pair, err := util.GeneratePemKeypair()
	require.NoError(t, err)
	acc := &domain.Account{
		Username:   username,
		URI:        "https://" + localDomain + "/users/" + username,
		InboxURI:   "https://" + localDomain + "/users/" + username + "/inbox",
		PublicKey:  pair.Public,
		PrivateKey: pair.Private,
	}
	require.NoError(t, database.CreateAccount(context.Background(), acc))
	return acc
}

// remoteAccount stores a remote account without any network.
func remoteAccount(t *testing.T, database *db.DB, username, host string) *domain.Account {
	t.Helper()
	acc := &domain.Account{
		Username:       username,
		Domain:         host,
		URI:            "https://" + host + "/users/" + username,
		InboxURI:       "https://" + host + "/users/" + username + "/inbox",
		SharedInboxURI: "https://" + host + "/inbox",
		FollowersURI:   "https://" + host + "/users/" + username + "/followers",
	}
	require.NoError(t, database.CreateAccount(context.Background(), acc))
	return acc
}

func newTestResolver(t *testing.T, database *db.DB, remote *fakeRemote, conf ResolverConfig) (*Resolver, *recordingJobs) {
	t.Helper()
	conf.LocalDomain = localDomain
	jobs := &recordingJobs{}
	return NewResolver(database, database, remote.client(), conf, jobs, zaptest.NewLogger(t)), jobs
}
