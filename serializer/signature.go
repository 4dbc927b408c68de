package serializer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const signatureType = "RsaSignature2017"

var ErrNoSignature = errors.New("payload carries no signature")

// SignPayload attaches an embedded signature to doc, so that relays can
// forward it without the original HTTP signature. The signed input is
// hex(sha256(options)) followed by hex(sha256(document)), each serialized
// as compact JSON with sorted keys.
func SignPayload(doc map[string]interface{}, key *rsa.PrivateKey, keyId string, now time.Time) (map[string]interface{}, error) {
	options := map[string]interface{}{
		"@context": "https://w3id.org/identity/v1",
		"creator":  keyId,
		"created":  now.UTC().Format(time.RFC3339),
	}

	toBeSigned, err := signingInput(options, doc)
	if err != nil {
		return nil, err
	}

	hashed := sha256.Sum256(toBeSigned)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}

	signed := make(map[string]interface{}, len(doc)+1)
	for k, v := range doc {
		signed[k] = v
	}
	signed["signature"] = map[string]interface{}{
		"type":           signatureType,
		"creator":        keyId,
		"created":        options["created"],
		"signatureValue": base64.StdEncoding.EncodeToString(sig),
	}
	return signed, nil
}

// SignatureCreator returns the key id named in doc's embedded signature.
func SignatureCreator(doc map[string]interface{}) (string, error) {
	sig, ok := doc["signature"].(map[string]interface{})
	if !ok {
		return "", ErrNoSignature
	}
	creator, _ := sig["creator"].(string)
	if creator == "" {
		return "", ErrNoSignature
	}
	return creator, nil
}

// VerifyPayload checks doc's embedded signature against key.
func VerifyPayload(doc map[string]interface{}, key *rsa.PublicKey) error {
	sig, ok := doc["signature"].(map[string]interface{})
	if !ok {
		return ErrNoSignature
	}
	if t, _ := sig["type"].(string); t != signatureType {
		return fmt.Errorf("unsupported signature type %q", t)
	}
	value, _ := sig["signatureValue"].(string)
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}

	options := map[string]interface{}{
		"@context": "https://w3id.org/identity/v1",
		"creator":  sig["creator"],
		"created":  sig["created"],
	}
	unsigned := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if k != "signature" {
			unsigned[k] = v
		}
	}

	toBeSigned, err := signingInput(options, unsigned)
	if err != nil {
		return err
	}
	hashed := sha256.Sum256(toBeSigned)
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, hashed[:], raw)
}

func signingInput(options, doc map[string]interface{}) ([]byte, error) {
	o, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signature options: %w", err)
	}
	d, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	oh := sha256.Sum256(o)
	dh := sha256.Sum256(d)
	return []byte(hex.EncodeToString(oh[:]) + hex.EncodeToString(dh[:])), nil
}
