package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/worker"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *server) handleInbox(c *gin.Context) {
	username := c.Param("username")
	if _, err := s.db.ReadLocalAccount(c.Request.Context(), username); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown user"})
			return
		}
		s.logger.Error("Inbox: failed to read account", zap.String("username", username), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	s.accept(c)
}

// handleSharedInbox takes activities for any local account. Routing to the
// concerned accounts happens while they are performed.
func (s *server) handleSharedInbox(c *gin.Context) {
	s.accept(c)
}

// accept queues the verified activity and answers 202 right away.
func (s *server) accept(c *gin.Context) {
	actor := signedBy(c)
	body := signedBody(c)

	err := s.conf.Jobs.Submit(func(ctx context.Context) error {
		if err := s.conf.Inbox.Dispatch(ctx, actor, body); err != nil {
			s.logger.Warn("Inbox: failed to process activity", zap.String("actor", actor.URI), zap.Error(err))
			return err
		}
		return nil
	})
	if errors.Is(err, worker.ErrQueueFull) || errors.Is(err, worker.ErrClosed) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Try again later"})
		return
	}
	if err != nil {
		s.logger.Error("Inbox: failed to queue activity", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusAccepted)
}
