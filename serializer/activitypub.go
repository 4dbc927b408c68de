package serializer

import (
	"fmt"
	"time"

	"github.com/deemkeen/mammut/domain"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
)

// ActorURI is the id of a local account's actor document.
func ActorURI(domainName, username string) string {
	return fmt.Sprintf("https://%s/users/%s", domainName, username)
}

// StatusURI is the id of a local status.
func StatusURI(domainName, username string, statusId int64) string {
	return fmt.Sprintf("https://%s/users/%s/statuses/%d", domainName, username, statusId)
}

func followersURI(acc *domain.Account) string {
	if acc.FollowersURI != "" {
		return acc.FollowersURI
	}
	return acc.URI + "/followers"
}

// addressing maps visibility onto to/cc. mentioned are the actor URIs of
// the accounts the status mentions.
func addressing(s *domain.Status, mentioned []string) ([]string, []string) {
	followers := followersURI(s.Account)
	switch s.Visibility {
	case domain.VisibilityPublic:
		return []string{PublicCollection}, append([]string{followers}, mentioned...)
	case domain.VisibilityUnlisted:
		return []string{followers}, append([]string{PublicCollection}, mentioned...)
	case domain.VisibilityPrivate:
		return []string{followers}, mentioned
	default:
		return mentioned, []string{}
	}
}

// Actor renders a local account's actor document.
func Actor(acc *domain.Account, domainName string) map[string]interface{} {
	actorURI := ActorURI(domainName, acc.Username)
	return map[string]interface{}{
		"@context":                  []string{ActivityStreamsContext, SecurityContext},
		"id":                        actorURI,
		"type":                      "Person",
		"preferredUsername":         acc.Username,
		"name":                      acc.DisplayName,
		"summary":                   acc.Note,
		"url":                       fmt.Sprintf("https://%s/@%s", domainName, acc.Username),
		"inbox":                     actorURI + "/inbox",
		"outbox":                    actorURI + "/outbox",
		"followers":                 actorURI + "/followers",
		"following":                 actorURI + "/following",
		"manuallyApprovesFollowers": acc.Locked,
		"endpoints": map[string]interface{}{
			"sharedInbox": fmt.Sprintf("https://%s/inbox", domainName),
		},
		"publicKey": map[string]interface{}{
			"id":           actorURI + "#main-key",
			"owner":        actorURI,
			"publicKeyPem": acc.PublicKey,
		},
	}
}

// Note renders the object of a Create.
func Note(s *domain.Status, mentioned []string, inReplyToURI string) map[string]interface{} {
	to, cc := addressing(s, mentioned)
	note := map[string]interface{}{
		"id":           s.URI,
		"type":         "Note",
		"attributedTo": s.Account.URI,
		"content":      s.Text,
		"published":    s.CreatedAt.UTC().Format(time.RFC3339),
		"url":          s.URL,
		"sensitive":    s.Sensitive,
		"to":           to,
		"cc":           cc,
	}
	if s.SpoilerText != "" {
		note["summary"] = s.SpoilerText
	}
	if inReplyToURI != "" {
		note["inReplyTo"] = inReplyToURI
	}
	if len(s.Tags) > 0 {
		tags := make([]map[string]interface{}, 0, len(s.Tags))
		for _, name := range s.Tags {
			tags = append(tags, map[string]interface{}{"type": "Hashtag", "name": "#" + name})
		}
		note["tag"] = tags
	}
	return note
}

// Create wraps a status in a Create activity.
func Create(s *domain.Status, mentioned []string, inReplyToURI string) map[string]interface{} {
	to, cc := addressing(s, mentioned)
	return map[string]interface{}{
		"@context":  ActivityStreamsContext,
		"id":        s.URI + "/activity",
		"type":      "Create",
		"actor":     s.Account.URI,
		"published": s.CreatedAt.UTC().Format(time.RFC3339),
		"to":        to,
		"cc":        cc,
		"object":    Note(s, mentioned, inReplyToURI),
	}
}

// Announce renders a reblog. The original must be attached.
func Announce(reblog *domain.Status) map[string]interface{} {
	to, cc := addressing(reblog, nil)
	if reblog.Reblog != nil && reblog.Reblog.Account != nil {
		cc = append(cc, reblog.Reblog.Account.URI)
	}
	return map[string]interface{}{
		"@context":  ActivityStreamsContext,
		"id":        reblog.URI + "/activity",
		"type":      "Announce",
		"actor":     reblog.Account.URI,
		"published": reblog.CreatedAt.UTC().Format(time.RFC3339),
		"to":        to,
		"cc":        cc,
		"object":    reblog.Reblog.URI,
	}
}

// Delete retracts a status. The object is a Tombstone since the status no
// longer exists when this is built.
func Delete(s *domain.Status) map[string]interface{} {
	return map[string]interface{}{
		"@context": ActivityStreamsContext,
		"id":       s.URI + "#delete",
		"type":     "Delete",
		"actor":    s.Account.URI,
		"to":       []string{PublicCollection},
		"object": map[string]interface{}{
			"id":   s.URI,
			"type": "Tombstone",
		},
	}
}

// UndoAnnounce retracts a reblog.
func UndoAnnounce(reblog *domain.Status) map[string]interface{} {
	announce := Announce(reblog)
	delete(announce, "@context")
	return map[string]interface{}{
		"@context": ActivityStreamsContext,
		"id":       reblog.URI + "#undo",
		"type":     "Undo",
		"actor":    reblog.Account.URI,
		"to":       []string{PublicCollection},
		"object":   announce,
	}
}

// Follow asks target to accept actor as a follower.
func Follow(id string, actor, target *domain.Account) map[string]interface{} {
	return map[string]interface{}{
		"@context": ActivityStreamsContext,
		"id":       id,
		"type":     "Follow",
		"actor":    actor.URI,
		"object":   target.URI,
	}
}

// Accept answers a Follow from follower.
func Accept(id string, actor, follower *domain.Account, followId string) map[string]interface{} {
	return map[string]interface{}{
		"@context": ActivityStreamsContext,
		"id":       id,
		"type":     "Accept",
		"actor":    actor.URI,
		"object": map[string]interface{}{
			"id":     followId,
			"type":   "Follow",
			"actor":  follower.URI,
			"object": actor.URI,
		},
	}
}
