package domain

import (
	"fmt"
	"strings"
	"time"
)

// Protocol is the federation protocol a remote account was discovered with.
type Protocol string

const (
	ProtocolOStatus     Protocol = "ostatus"
	ProtocolActivityPub Protocol = "activitypub"
)

// Account is either a local user (Domain is empty, PrivateKey is set) or a
// cached remote actor.
type Account struct {
	Id                int64
	Username          string
	Domain            string
	URI               string
	URL               string
	DisplayName       string
	Note              string
	Protocol          Protocol
	InboxURI          string
	OutboxURI         string
	SharedInboxURI    string
	FollowersURI      string
	PublicKey         string // PEM
	PrivateKey        string // PEM, local accounts only
	Suspended         bool
	Silenced          bool
	Locked            bool
	LastWebfingeredAt time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (acc *Account) IsLocal() bool {
	return acc.Domain == ""
}

// Acct returns "username" for local accounts and "username@domain" otherwise.
func (acc *Account) Acct() string {
	if acc.IsLocal() {
		return acc.Username
	}
	return acc.Username + "@" + acc.Domain
}

// KeyId is the id of the account's main public key.
func (acc *Account) KeyId() string {
	return acc.URI + "#main-key"
}

// DeliveryInbox prefers the shared inbox so that one request per server is
// enough for follower-addressed payloads.
func (acc *Account) DeliveryInbox() string {
	if acc.SharedInboxURI != "" {
		return acc.SharedInboxURI
	}
	return acc.InboxURI
}

// MatchesHandle compares username and domain case-insensitively.
func (acc *Account) MatchesHandle(username, domain string) bool {
	return strings.EqualFold(acc.Username, username) && strings.EqualFold(acc.Domain, domain)
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %d \n\tUsername: %s \n\tDomain: %s \n\tURI: %s \n\tCREATED_AT: %s)", acc.Id, acc.Username, acc.Domain, acc.URI, acc.CreatedAt)
}

// SplitHandle splits "user@domain" (with an optional leading "@" or
// "acct:") into its parts.
func SplitHandle(handle string) (string, string, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "acct:")
	handle = strings.TrimPrefix(handle, "@")
	parts := strings.Split(handle, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid handle %q", handle)
	}
	return parts[0], strings.ToLower(parts[1]), nil
}
