package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/serializer"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
	"go.uber.org/zap"
)

const atomEntries = 20

// handleAtom serves the updates-from feed of a local account.
func (s *server) handleAtom(c *gin.Context, username string) {
	acc, ok := s.localAccount(c, username)
	if !ok {
		return
	}
	statuses, err := s.db.ReadPublicStatusesByAccount(c.Request.Context(), acc.Id, atomEntries)
	if err != nil {
		s.logger.Error("Atom: failed to read statuses", zap.String("username", username), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}

	atom, err := AtomFeed(acc, statuses, s.conf.Domain)
	if err != nil {
		s.logger.Error("Atom: failed to render feed", zap.String("username", username), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/atom+xml; charset=utf-8", []byte(atom))
}

// AtomFeed renders statuses of acc, newest first.
func AtomFeed(acc *domain.Account, statuses []*domain.Status, localDomain string) (string, error) {
	actorURI := serializer.ActorURI(localDomain, acc.Username)
	author := &feeds.Author{Name: acc.Username, Email: fmt.Sprintf("%s@%s", acc.Username, localDomain)}

	title := acc.DisplayName
	if title == "" {
		title = acc.Username
	}
	feed := &feeds.Feed{
		Id:          actorURI + ".atom",
		Title:       title,
		Link:        &feeds.Link{Href: fmt.Sprintf("https://%s/@%s", localDomain, acc.Username)},
		Description: acc.Note,
		Author:      author,
		Created:     acc.CreatedAt,
		Updated:     time.Now(),
	}
	if len(statuses) > 0 {
		feed.Updated = statuses[0].CreatedAt
	}

	for _, status := range statuses {
		feed.Items = append(feed.Items, &feeds.Item{
			Id:      status.URI,
			Title:   status.CreatedAt.UTC().Format(time.RFC3339),
			Link:    &feeds.Link{Href: status.URI},
			Content: status.Text,
			Author:  author,
			Created: status.CreatedAt,
		})
	}
	return feed.ToAtom()
}
