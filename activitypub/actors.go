package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/deemkeen/mammut/util"
)

const (
	activityJSON = "application/activity+json"
	ldJSON       = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	maxFetchSize = 1 << 20
)

var actorTypes = map[string]bool{
	"Person":       true,
	"Service":      true,
	"Application":  true,
	"Group":        true,
	"Organization": true,
}

// ActorDocument is the part of a remote actor we keep.
type ActorDocument struct {
	ID                        string          `json:"id"`
	Type                      string          `json:"type"`
	PreferredUsername         string          `json:"preferredUsername"`
	Name                      string          `json:"name"`
	Summary                   string          `json:"summary"`
	URL                       json.RawMessage `json:"url"`
	Inbox                     string          `json:"inbox"`
	Outbox                    string          `json:"outbox"`
	Followers                 string          `json:"followers"`
	SharedInbox               string          `json:"sharedInbox"`
	ManuallyApprovesFollowers bool            `json:"manuallyApprovesFollowers"`
	Endpoints                 struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey json.RawMessage `json:"publicKey"`
}

// KeyDocument is a standalone public key, as served at a key id.
type KeyDocument struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

func (a *ActorDocument) IsActor() bool {
	return actorTypes[a.Type]
}

func (a *ActorDocument) SharedInboxURI() string {
	if a.Endpoints.SharedInbox != "" {
		return a.Endpoints.SharedInbox
	}
	return a.SharedInbox
}

// ProfileURL returns the first url of the actor, falling back to its id.
func (a *ActorDocument) ProfileURL() string {
	if u := firstHref(a.URL); u != "" {
		return u
	}
	return a.ID
}

// Key returns the embedded public key, or only its id when the key is
// referenced rather than embedded.
func (a *ActorDocument) Key() (id string, pem string) {
	if len(a.PublicKey) == 0 {
		return "", ""
	}
	var ref string
	if json.Unmarshal(a.PublicKey, &ref) == nil {
		return ref, ""
	}
	var keys []KeyDocument
	if json.Unmarshal(a.PublicKey, &keys) == nil && len(keys) > 0 {
		return keys[0].ID, keys[0].PublicKeyPem
	}
	var key KeyDocument
	if json.Unmarshal(a.PublicKey, &key) == nil {
		return key.ID, key.PublicKeyPem
	}
	return "", ""
}

// firstHref reads a value that is a string, a Link object, or a list of
// either.
func firstHref(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var link struct {
		Href string `json:"href"`
	}
	if json.Unmarshal(raw, &link) == nil && link.Href != "" {
		return link.Href
	}
	var list []json.RawMessage
	if json.Unmarshal(raw, &list) == nil && len(list) > 0 {
		return firstHref(list[0])
	}
	return ""
}

// fetchResource GETs an ActivityPub document. The client's timeout bounds
// the whole exchange.
func fetchResource(ctx context.Context, client *http.Client, localDomain, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", activityJSON+", "+ldJSON)
	req.Header.Set("User-Agent", util.UserAgent(localDomain))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch of %s failed with status: %d", uri, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

func fetchActor(ctx context.Context, client *http.Client, localDomain, uri string) (*ActorDocument, error) {
	body, err := fetchResource(ctx, client, localDomain, uri)
	if err != nil {
		return nil, err
	}
	var actor ActorDocument
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}
	if !actor.IsActor() {
		return nil, fmt.Errorf("%s is a %q, not an actor", uri, actor.Type)
	}
	if actor.ID == "" || actor.Inbox == "" {
		return nil, fmt.Errorf("actor missing required fields")
	}
	return &actor, nil
}

// hostOf returns the lowercased host of uri.
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func hostOf(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Host)
}

// sameHost reports whether both URIs live on the same server, the only
// attribution we trust without a signature from the attributed actor.
func sameHost(a, b string) bool {
	ha := hostOf(a)
	return ha != "" && ha == hostOf(b)
}

// stripFragment turns a key id into the URI of the document holding it.
func stripFragment(uri string) string {
	if i := strings.IndexByte(uri, '#'); i >= 0 {
		return uri[:i]
	}
	return uri
}
