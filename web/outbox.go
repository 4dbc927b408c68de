package web

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/deemkeen/mammut/serializer"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	itemsPerPage   = 20
	maxOutboxItems = 10000
)

// handleOutbox returns an OrderedCollection of a user's public statuses, so
// remote servers can backfill without following.
func (s *server) handleOutbox(c *gin.Context) {
	acc, ok := s.localAccount(c, c.Param("username"))
	if !ok {
		return
	}
	ctx := c.Request.Context()
	outboxURL := serializer.ActorURI(s.conf.Domain, acc.Username) + "/outbox"
	page := ParsePageParam(c.Query("page"))

	// Without a page parameter, return the collection metadata
	if page == 0 {
		statuses, err := s.db.ReadPublicStatusesByAccount(ctx, acc.Id, maxOutboxItems)
		if err != nil {
			s.logger.Error("Outbox: failed to count statuses", zap.String("username", acc.Username), zap.Error(err))
			c.Status(http.StatusInternalServerError)
			return
		}
		s.renderActivity(c, map[string]interface{}{
			"@context":   serializer.ActivityStreamsContext,
			"id":         outboxURL,
			"type":       "OrderedCollection",
			"totalItems": len(statuses),
			"first":      fmt.Sprintf("%s?page=1", outboxURL),
		})
		return
	}

	// One more than a page tells whether there is a next one
	statuses, err := s.db.ReadPublicStatusesByAccount(ctx, acc.Id, page*itemsPerPage+1)
	if err != nil {
		s.logger.Error("Outbox: failed to read statuses", zap.String("username", acc.Username), zap.Int("page", page), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}

	hasMore := len(statuses) > page*itemsPerPage
	start := (page - 1) * itemsPerPage
	end := min(start+itemsPerPage, len(statuses))
	if start > len(statuses) {
		start = end
	}

	items := make([]interface{}, 0, end-start)
	for _, status := range statuses[start:end] {
		mentioned, inReplyTo, err := s.noteContext(ctx, status)
		if err != nil {
			s.logger.Error("Outbox: failed to render status", zap.Int64("id", status.Id), zap.Error(err))
			c.Status(http.StatusInternalServerError)
			return
		}
		activity := serializer.Create(status, mentioned, inReplyTo)
		delete(activity, "@context")
		items = append(items, activity)
	}

	collectionPage := map[string]interface{}{
		"@context":     serializer.ActivityStreamsContext,
		"id":           fmt.Sprintf("%s?page=%d", outboxURL, page),
		"type":         "OrderedCollectionPage",
		"partOf":       outboxURL,
		"orderedItems": items,
	}
	if hasMore {
		collectionPage["next"] = fmt.Sprintf("%s?page=%d", outboxURL, page+1)
	}
	if page > 1 {
		collectionPage["prev"] = fmt.Sprintf("%s?page=%d", outboxURL, page-1)
	}
	s.renderActivity(c, collectionPage)
}

// ParsePageParam extracts the page parameter from a query string
func ParsePageParam(pageStr string) int {
	if pageStr == "" {
		return 0
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 0 {
		return 0
	}
	return page
}
