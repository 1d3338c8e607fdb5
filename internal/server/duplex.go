package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/whyuds/cursor-usage-server/internal/ingest"
	"github.com/whyuds/cursor-usage-server/internal/presence"
	"go.uber.org/zap"
)

// finishTimeout bounds the synthetic offline write after a connection ends.
const finishTimeout = 5 * time.Second

// handleChannel owns the persistent duplex channel. Each connection carries
// repeated init/ping frames; its close is itself a logical event.
func (h *httpHandler) handleChannel(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	session := newChannelSession(h.presence, h.logger)

	// The read loop exiting is the only path out of this handler, for
	// graceful closes and abrupt network loss alike, so finish runs exactly
	// once per connection. The request context is already canceled by then,
	// hence the detached context for the offline write.
	defer func() {
		finishCtx, cancel := context.WithTimeout(context.Background(), finishTimeout)
		defer cancel()
		session.finish(finishCtx, h.clock())
	}()

	ctx := c.Request.Context()
	for {
		messageType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if messageType != websocket.MessageText {
			continue
		}
		session.handleFrame(ctx, data, h.clock())
	}
}

// channelSession holds the per-connection identity binding. It is owned by a
// single reader goroutine and needs no locking.
type channelSession struct {
	store  *presence.Service
	logger *zap.Logger
	bound  *presence.Identity
}

func newChannelSession(store *presence.Service, logger *zap.Logger) *channelSession {
	return &channelSession{
		store:  store,
		logger: logger,
	}
}

// handleFrame forwards one liveness frame as an online event and refreshes
// the identity binding when the frame carries an email (last bind wins).
// Undecodable frames and unknown message types are ignored.
func (s *channelSession) handleFrame(ctx context.Context, data []byte, receivedAt time.Time) {
	var message ingest.ChannelMessage
	if err := json.Unmarshal(data, &message); err != nil {
		s.logger.Debug("discarding undecodable channel frame", zap.Error(err))
		return
	}

	event, ok := ingest.ResolveChannelMessage(message, receivedAt)
	if !ok {
		return
	}

	if event.Identity.Email != "" {
		identity := event.Identity
		s.bound = &identity
	}

	// Forwarded regardless of binding state; the store drops events without
	// an identity. Storage errors are not retried, the next ping self-heals.
	if _, err := s.store.Upsert(ctx, event); err != nil {
		s.logger.Warn("channel heartbeat not applied", zap.Error(err))
	}
}

// finish synthesizes the connection's single offline event, if it ever bound.
func (s *channelSession) finish(ctx context.Context, closedAt time.Time) {
	if s.bound == nil {
		return
	}
	event := presence.Event{
		Identity:  *s.bound,
		Online:    false,
		Timestamp: closedAt,
	}
	s.bound = nil
	if _, err := s.store.Upsert(ctx, event); err != nil {
		s.logger.Warn("offline event not applied at channel close",
			zap.String("email", event.Identity.Email.String()),
			zap.Error(err))
	}
}
