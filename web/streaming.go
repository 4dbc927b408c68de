package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/mammut/streaming"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

const (
	heartbeatInterval = 30 * time.Second
	wsWriteTimeout    = 10 * time.Second
)

var errUnknownStream = errors.New("unknown stream")

// streamChannels maps a public stream name onto hub channels.
func streamChannels(stream, tag string) ([]string, error) {
	tag = strings.ToLower(strings.TrimPrefix(tag, "#"))
	switch stream {
	case "public":
		return []string{streaming.PublicChannel(false)}, nil
	case "public:local":
		return []string{streaming.PublicChannel(true)}, nil
	case "hashtag", "hashtag:local":
		if tag == "" {
			return nil, errors.New("hashtag streams need a tag")
		}
		return []string{streaming.HashtagChannel(tag, stream == "hashtag:local")}, nil
	}
	return nil, errUnknownStream
}

func (s *server) handleStreaming(c *gin.Context) {
	if s.conf.Hub == nil {
		c.Status(http.StatusNotFound)
		return
	}
	if c.Param("stream") == "websocket" {
		s.handleWebsocket(c)
		return
	}

	channels, err := streamChannels(c.Param("stream"), c.Query("tag"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.serveEvents(c, channels)
}

// serveEvents streams events as server-sent events until the client goes
// away.
func (s *server) serveEvents(c *gin.Context, channels []string) {
	sub := s.conf.Hub.Subscribe(channels...)
	defer sub.Close()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Content-Type", "text/event-stream")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-heartbeat.C:
			_, err := io.WriteString(w, ":thump\n\n")
			return err == nil
		case msg, ok := <-sub.C():
			if !ok {
				return false
			}
			var ev streaming.Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				s.logger.Warn("Streaming: malformed event", zap.String("channel", msg.Channel), zap.Error(err))
				return true
			}
			c.SSEvent(ev.Event, ev.Payload)
			return true
		}
	})
}

type wsMessage struct {
	Stream  []string `json:"stream"`
	Event   string   `json:"event"`
	Payload string   `json:"payload"`
}

// handleWebsocket streams events over a WebSocket; the stream is chosen
// with the "stream" and "tag" query parameters.
func (s *server) handleWebsocket(c *gin.Context) {
	stream := c.Query("stream")
	channels, err := streamChannels(stream, c.Query("tag"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	names := []string{stream}
	if tag := c.Query("tag"); tag != "" {
		names = append(names, tag)
	}

	ws := websocket.Server{
		// every stream offered here is public
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()
			s.serveWebsocket(conn, channels, names)
		},
	}
	ws.ServeHTTP(c.Writer, c.Request)
}

func (s *server) serveWebsocket(conn *websocket.Conn, channels, names []string) {
	sub := s.conf.Hub.Subscribe(channels...)
	defer sub.Close()

	// reading detects the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			var msg []byte
			if err := websocket.Message.Receive(conn, &msg); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-gone:
			return
		case <-heartbeat.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if _, err := conn.Write([]byte(`{"event":"ping"}`)); err != nil {
				return
			}
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			var ev streaming.Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := websocket.JSON.Send(conn, wsMessage{Stream: names, Event: ev.Event, Payload: ev.Payload}); err != nil {
				s.logger.Debug("Streaming: websocket write failed", zap.Error(err))
				return
			}
		}
	}
}
