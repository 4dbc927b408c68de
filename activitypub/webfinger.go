package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
)

// Link relations used during discovery.
const (
	RelSelf        = "self"
	RelProfilePage = "http://webfinger.net/rel/profile-page"
	RelUpdatesFrom = "http://schemas.google.com/g/2010#updates-from"
	RelSalmon      = "salmon"
	RelMagicKey    = "magic-public-key"

	magicKeyPrefix = "data:application/magic-public-key,"
)

type Link struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// JRD is a WebFinger resource descriptor.
type JRD struct {
	Subject string   `json:"subject"`
	Aliases []string `json:"aliases,omitempty"`
	Links   []Link   `json:"links"`
}

func (j *JRD) Link(rel string) *Link {
	for i := range j.Links {
		if j.Links[i].Rel == rel {
			return &j.Links[i]
		}
	}
	return nil
}

// selfLink returns the ActivityPub actor link, if any.
func (j *JRD) selfLink() *Link {
	for i := range j.Links {
		l := &j.Links[i]
		if l.Rel == RelSelf && (l.Type == activityJSON || strings.HasPrefix(l.Type, "application/ld+json")) {
			return l
		}
	}
	return nil
}

// Discovery is what a handle resolved to.
type Discovery struct {
	Username string
	Domain   string
	Protocol domain.Protocol

	URI            string // canonical actor URI
	ProfileURL     string
	UpdatesURL     string // outbox or Atom feed
	InboxURL       string // inbox or salmon endpoint
	SharedInboxURL string
	FollowersURL   string
	PublicKey      string // PEM

	DisplayName string
	Note        string
	Locked      bool
}

func (d *Discovery) Handle() string {
	return d.Username + "@" + d.Domain
}

// DiscoveryError is a failed resolution of Handle.
type DiscoveryError struct {
	Handle string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery of %s failed: %v", e.Handle, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Finger looks up a handle over WebFinger and collects the endpoints and key
// of the account. An ActivityPub self link wins over the OStatus links.
func (r *Resolver) Finger(ctx context.Context, handle string) (*Discovery, error) {
	username, domainName, err := domain.SplitHandle(handle)
	if err != nil {
		return nil, &DiscoveryError{Handle: handle, Err: err}
	}
	handle = username + "@" + domainName

	jrd, err := r.webfinger(ctx, handle, domainName)
	if err != nil {
		return nil, &DiscoveryError{Handle: handle, Err: err}
	}

	subject := strings.TrimPrefix(jrd.Subject, "acct:")
	confirmedUser, confirmedDomain, err := domain.SplitHandle(subject)
	if err != nil {
		return nil, &DiscoveryError{Handle: handle, Err: fmt.Errorf("bad subject %q: %w", jrd.Subject, err)}
	}

	var d *Discovery
	if self := jrd.selfLink(); self != nil {
		d, err = r.discoverActivityPub(ctx, self.Href)
	} else {
		d, err = discoverOStatus(jrd)
	}
	if err != nil {
		return nil, &DiscoveryError{Handle: handle, Err: err}
	}
	d.Username, d.Domain = confirmedUser, confirmedDomain
	if d.ProfileURL == "" {
		if l := jrd.Link(RelProfilePage); l != nil {
			d.ProfileURL = l.Href
		}
	}
	return d, nil
}

func (r *Resolver) webfinger(ctx context.Context, handle, domainName string) (*JRD, error) {
	endpoint := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s", domainName, url.QueryEscape("acct:"+handle))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", util.UserAgent(r.conf.LocalDomain))

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webfinger request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webfinger failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
	if err != nil {
		return nil, err
	}
	var jrd JRD
	if err := json.Unmarshal(body, &jrd); err != nil {
		return nil, fmt.Errorf("failed to parse webfinger response: %w", err)
	}
	return &jrd, nil
}

func (r *Resolver) discoverActivityPub(ctx context.Context, actorURI string) (*Discovery, error) {
	actor, err := fetchActor(ctx, r.client, r.conf.LocalDomain, actorURI)
	if err != nil {
		return nil, err
	}
	return r.discoveryFromActor(ctx, actor)
}

// discoveryFromActor fills a Discovery from an actor document, fetching the
// key when the actor only references it.
func (r *Resolver) discoveryFromActor(ctx context.Context, actor *ActorDocument) (*Discovery, error) {
	keyId, pem := actor.Key()
	if pem == "" && keyId != "" && !sameHost(keyId, actor.ID) {
		return nil, fmt.Errorf("key %s of %s is hosted elsewhere", keyId, actor.ID)
	}
	if pem == "" && keyId != "" {
		body, err := fetchResource(ctx, r.client, r.conf.LocalDomain, keyId)
		if err != nil {
			return nil, err
		}
		var key KeyDocument
		if err := json.Unmarshal(body, &key); err != nil {
			return nil, fmt.Errorf("failed to parse key JSON: %w", err)
		}
		pem = key.PublicKeyPem
	}

	d := &Discovery{
		Protocol:       domain.ProtocolActivityPub,
		URI:            actor.ID,
		ProfileURL:     actor.ProfileURL(),
		UpdatesURL:     actor.Outbox,
		InboxURL:       actor.Inbox,
		SharedInboxURL: actor.SharedInboxURI(),
		FollowersURL:   actor.Followers,
		PublicKey:      pem,
		DisplayName:    actor.Name,
		Note:           actor.Summary,
		Locked:         actor.ManuallyApprovesFollowers,
	}
	if d.PublicKey == "" {
		return nil, fmt.Errorf("missing resource links: actor %s has no public key", actor.ID)
	}
	return d, nil
}

func discoverOStatus(jrd *JRD) (*Discovery, error) {
	var missing []string
	for _, rel := range []string{RelUpdatesFrom, RelSalmon, RelProfilePage, RelMagicKey} {
		if l := jrd.Link(rel); l == nil || l.Href == "" {
			missing = append(missing, rel)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing resource links: %s", strings.Join(missing, ", "))
	}

	pem, err := MagicKeyToPem(jrd.Link(RelMagicKey).Href)
	if err != nil {
		return nil, err
	}

	profile := jrd.Link(RelProfilePage).Href
	return &Discovery{
		Protocol:   domain.ProtocolOStatus,
		URI:        profile,
		ProfileURL: profile,
		UpdatesURL: jrd.Link(RelUpdatesFrom).Href,
		InboxURL:   jrd.Link(RelSalmon).Href,
		PublicKey:  pem,
	}, nil
}

// MagicKeyToPem converts a Salmon magic key
// ("data:application/magic-public-key,RSA.<modulus>.<exponent>") into a
// PEM public key.
func MagicKeyToPem(magic string) (string, error) {
	parts := strings.Split(strings.TrimPrefix(magic, magicKeyPrefix), ".")
	if len(parts) != 3 || parts[0] != "RSA" {
		return "", fmt.Errorf("malformed magic key")
	}
	modulus, err := decodeMagicPart(parts[1])
	if err != nil {
		return "", fmt.Errorf("malformed magic key modulus: %w", err)
	}
	exponent, err := decodeMagicPart(parts[2])
	if err != nil {
		return "", fmt.Errorf("malformed magic key exponent: %w", err)
	}
	if !exponent.IsInt64() || exponent.Int64() > 1<<31-1 {
		return "", fmt.Errorf("magic key exponent out of range")
	}

	return util.PublicKeyToPem(&rsa.PublicKey{N: modulus, E: int(exponent.Int64())})
}

// MagicKey is the inverse of MagicKeyToPem.
func MagicKey(key *rsa.PublicKey) string {
	e := big.NewInt(int64(key.E))
	return magicKeyPrefix + "RSA." +
		base64.URLEncoding.EncodeToString(key.N.Bytes()) + "." +
		base64.URLEncoding.EncodeToString(e.Bytes())
}

func decodeMagicPart(s string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}
