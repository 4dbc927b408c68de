package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/metrics"
	"github.com/deemkeen/mammut/util"
	"github.com/go-fed/httpsig"
	"go.uber.org/zap"
)

// KeyOwnerStore looks key owners up locally.
type KeyOwnerStore interface {
	ReadAccountByURI(ctx context.Context, uri string) (*domain.Account, error)
}

// KeyResolver finds key owners nobody here knows yet.
type KeyResolver interface {
	Resolve(ctx context.Context, handle string) (*domain.Account, error)
	FetchRemoteKey(ctx context.Context, keyId string) (*domain.Account, error)
}

// Verifier checks HTTP signatures of incoming requests against the public
// key of the account that claims to have signed them.
type Verifier struct {
	store       KeyOwnerStore
	resolver    KeyResolver
	localDomain string
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

func NewVerifier(store KeyOwnerStore, resolver KeyResolver, localDomain string, m *metrics.Metrics, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{store: store, resolver: resolver, localDomain: localDomain, metrics: m, logger: logger}
}

// Verify returns the signing account, or false for anything it cannot
// positively verify.
func (v *Verifier) Verify(ctx context.Context, r *http.Request, body []byte) (*domain.Account, bool) {
	acc, err := v.verify(ctx, r, body)
	v.metrics.ObserveVerification(err == nil)
	if err != nil {
		v.logger.Debug("Verifier: rejected request", zap.String("path", r.URL.Path), zap.Error(err))
		return nil, false
	}
	return acc, true
}

var (
	errIncompatibleSignature = errors.New("incompatible request signature")
	errUnknownKeyOwner       = errors.New("could not resolve key owner")
	errDigestMismatch        = errors.New("digest header does not match the body")
)

func (v *Verifier) verify(ctx context.Context, r *http.Request, body []byte) (*domain.Account, error) {
	params := ParseSignatureParams(r.Header.Get("Signature"))
	if incompatibleSignature(params) {
		return nil, errIncompatibleSignature
	}

	acc, err := v.keyOwner(ctx, params["keyId"])
	if err != nil {
		return nil, err
	}
	if acc == nil || acc.PublicKey == "" {
		return nil, errUnknownKeyOwner
	}

	pub, err := util.ParsePublicKey(acc.PublicKey)
	if err != nil {
		return nil, err
	}

	// the digest line is signed from the header, so the header has to
	// describe the body we actually got
	if signsHeader(params["headers"], "digest") && !digestMatches(r.Header.Values("Digest"), body) {
		return nil, errDigestMismatch
	}

	req := r.Clone(ctx)
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return nil, fmt.Errorf("failed to read signature: %w", err)
	}
	if err := verifier.Verify(pub, httpsig.RSA_SHA256); err != nil {
		v.logger.Debug("Verifier: signature mismatch",
			zap.String("key_id", params["keyId"]),
			zap.String("signed_string", BuildSignedString(r.Method, r.URL.RequestURI(), r.Header, r.Host, params["headers"], body)))
		return nil, err
	}
	return acc, nil
}

func signsHeader(signedHeaders, name string) bool {
	for _, h := range strings.Fields(signedHeaders) {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// digestMatches accepts a Digest header listing the body's SHA-256 among
// other algorithms.
func digestMatches(values []string, body []byte) bool {
	want := BodyDigest(body)
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			algo, sum, ok := strings.Cut(strings.TrimSpace(part), "=")
			if ok && strings.EqualFold(algo, "SHA-256") && "SHA-256="+sum == want {
				return true
			}
		}
	}
	return false
}

func (v *Verifier) keyOwner(ctx context.Context, keyId string) (*domain.Account, error) {
	if strings.HasPrefix(keyId, "acct:") {
		return v.resolver.Resolve(ctx, strings.TrimPrefix(keyId, "acct:"))
	}
	if strings.EqualFold(hostOf(keyId), v.localDomain) {
		// we never sign requests to ourselves
		return nil, errUnknownKeyOwner
	}

	acc, err := v.store.ReadAccountByURI(ctx, stripFragment(keyId))
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	return v.resolver.FetchRemoteKey(ctx, keyId)
}
