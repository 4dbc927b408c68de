package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/serializer"
	"github.com/deemkeen/mammut/util"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const jrdJSON = "application/jrd+json; charset=utf-8"

// usernameFromResource accepts "acct:user@domain", "user@domain" and the
// actor URI of a local account.
func usernameFromResource(resource, localDomain string) (string, bool) {
	if strings.HasPrefix(resource, "https://") {
		prefix := serializer.ActorURI(localDomain, "")
		username := strings.TrimPrefix(resource, prefix)
		if username == resource || username == "" || strings.Contains(username, "/") {
			return "", false
		}
		return username, true
	}

	username, domainName, err := domain.SplitHandle(resource)
	if err != nil || !strings.EqualFold(domainName, localDomain) {
		return "", false
	}
	return username, true
}

// webfingerFor describes acc for both ActivityPub and OStatus peers.
func webfingerFor(acc *domain.Account, localDomain string) (*activitypub.JRD, error) {
	actorURI := serializer.ActorURI(localDomain, acc.Username)
	profile := fmt.Sprintf("https://%s/@%s", localDomain, acc.Username)

	links := []activitypub.Link{
		{Rel: activitypub.RelSelf, Type: "application/activity+json", Href: actorURI},
		{Rel: activitypub.RelProfilePage, Type: "text/html", Href: profile},
		{Rel: activitypub.RelUpdatesFrom, Type: "application/atom+xml", Href: actorURI + ".atom"},
		{Rel: activitypub.RelSalmon, Href: actorURI + "/inbox"},
	}

	key, err := util.ParsePublicKey(acc.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key of %s: %w", acc.Username, err)
	}
	links = append(links, activitypub.Link{Rel: activitypub.RelMagicKey, Href: activitypub.MagicKey(key)})

	return &activitypub.JRD{
		Subject: fmt.Sprintf("acct:%s@%s", acc.Username, localDomain),
		Aliases: []string{actorURI, profile},
		Links:   links,
	}, nil
}

func (s *server) handleWebfinger(c *gin.Context) {
	username, ok := usernameFromResource(c.Query("resource"), s.conf.Domain)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}

	acc, err := s.db.ReadLocalAccount(c.Request.Context(), username)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}
	if err != nil {
		s.logger.Error("Webfinger: failed to read account", zap.String("username", username), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}

	jrd, err := webfingerFor(acc, s.conf.Domain)
	if err != nil {
		s.logger.Error("Webfinger: failed to describe account", zap.String("username", username), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("Content-Type", jrdJSON)
	c.JSON(http.StatusOK, jrd)
}
