package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-fed/httpsig"
)

const (
	requestTarget      = "(request-target)"
	supportedAlgorithm = "rsa-sha256"

	// DefaultSignatureWindow bounds how far a request's Date may drift from
	// local time.
	DefaultSignatureWindow = 30 * time.Second
)

var signatureParam = regexp.MustCompile(`(?i)([a-z]+)="([^"]+)"`)

// SignRequest signs an outgoing request with the given private key over
// (request-target), host, date and digest. The Digest header is computed
// from body, so it must not be set already.
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string, body []byte) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{requestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(privateKey, keyId, req, body)
}

// ParseSignatureParams splits a Signature header into its key="value"
// parameters. Unparsable parts are skipped.
func ParseSignatureParams(header string) map[string]string {
	params := make(map[string]string)
	for _, part := range strings.Split(header, ",") {
		m := signatureParam.FindStringSubmatch(part)
		if len(m) != 3 {
			continue
		}
		params[m[1]] = m[2]
	}
	return params
}

// incompatibleSignature reports parameters we cannot verify.
func incompatibleSignature(params map[string]string) bool {
	return params["keyId"] == "" ||
		params["signature"] == "" ||
		params["algorithm"] == "" ||
		params["algorithm"] != supportedAlgorithm
}

// BodyDigest returns the Digest header value for body.
func BodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// BuildSignedString reconstructs the string the sender signed, naming each
// header exactly as listed. The digest line is always computed from body,
// never copied from the header.
func BuildSignedString(method, path string, header http.Header, host string, signedHeaders string, body []byte) string {
	if strings.TrimSpace(signedHeaders) == "" {
		signedHeaders = "date"
	}

	var lines []string
	for _, name := range strings.Fields(signedHeaders) {
		switch strings.ToLower(name) {
		case requestTarget:
			lines = append(lines, fmt.Sprintf("%s: %s %s", name, strings.ToLower(method), path))
		case "digest":
			lines = append(lines, name+": "+BodyDigest(body))
		case "host":
			value := header.Get("Host")
			if value == "" {
				value = host
			}
			lines = append(lines, name+": "+value)
		default:
			lines = append(lines, name+": "+header.Get(name))
		}
	}
	return strings.Join(lines, "\n")
}

// MatchesTimeWindow rejects a missing, unparsable or stale Date header.
func MatchesTimeWindow(header http.Header, now time.Time, window time.Duration) bool {
	sent, err := http.ParseTime(header.Get("Date"))
	if err != nil {
		return false
	}
	skew := now.Sub(sent)
	if skew < 0 {
		skew = -skew
	}
	return skew <= window
}
