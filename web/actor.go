package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/serializer"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// localAccount loads the account named by the :username parameter and
// answers 404 itself when there is none.
func (s *server) localAccount(c *gin.Context, username string) (*domain.Account, bool) {
	acc, err := s.db.ReadLocalAccount(c.Request.Context(), username)
	if errors.Is(err, db.ErrNotFound) || (err == nil && acc.Suspended) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown user"})
		return nil, false
	}
	if err != nil {
		s.logger.Error("HTTP: failed to read account", zap.String("username", username), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return nil, false
	}
	return acc, true
}

func (s *server) renderActivity(c *gin.Context, doc map[string]interface{}) {
	payload, err := json.Marshal(doc)
	if err != nil {
		s.logger.Error("HTTP: failed to marshal document", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, activityJSON, payload)
}

// handleActor serves the actor document, or the Atom feed for
// "/users/:username.atom".
func (s *server) handleActor(c *gin.Context) {
	username := c.Param("username")
	if name, ok := strings.CutSuffix(username, ".atom"); ok {
		s.handleAtom(c, name)
		return
	}

	acc, ok := s.localAccount(c, username)
	if !ok {
		return
	}
	s.renderActivity(c, serializer.Actor(acc, s.conf.Domain))
}

// handleStatus serves a local public or unlisted status as a Note.
func (s *server) handleStatus(c *gin.Context) {
	acc, ok := s.localAccount(c, c.Param("username"))
	if !ok {
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Invalid status id"})
		return
	}

	status, err := s.db.ReadStatusById(c.Request.Context(), id)
	if errors.Is(err, db.ErrNotFound) || (err == nil && !servable(status, acc)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Status not found"})
		return
	}
	if err != nil {
		s.logger.Error("HTTP: failed to read status", zap.Int64("id", id), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}

	mentioned, inReplyTo, err := s.noteContext(c.Request.Context(), status)
	if err != nil {
		s.logger.Error("HTTP: failed to render status", zap.Int64("id", id), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	note := serializer.Note(status, mentioned, inReplyTo)
	note["@context"] = serializer.ActivityStreamsContext
	s.renderActivity(c, note)
}

// servable reports whether anyone may fetch s of author without
// authentication.
func servable(s *domain.Status, author *domain.Account) bool {
	if s.AccountId != author.Id || !s.Local || s.IsReblog() {
		return false
	}
	return s.Visibility == domain.VisibilityPublic || s.Visibility == domain.VisibilityUnlisted
}

// noteContext returns the actor URIs of the accounts s mentions and the
// URI of the status it replies to.
func (s *server) noteContext(ctx context.Context, status *domain.Status) ([]string, string, error) {
	accounts, err := s.db.ReadAccountsByIds(ctx, status.Mentions)
	if err != nil {
		return nil, "", err
	}
	mentioned := make([]string, 0, len(status.Mentions))
	for _, id := range status.Mentions {
		if acc, ok := accounts[id]; ok {
			mentioned = append(mentioned, acc.URI)
		}
	}

	if status.InReplyToId == 0 {
		return mentioned, "", nil
	}
	parent, err := s.db.ReadStatusById(ctx, status.InReplyToId)
	if errors.Is(err, db.ErrNotFound) {
		return mentioned, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return mentioned, parent.URI, nil
}
