package intake

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"imagebot/pkg/chat"
	"imagebot/pkg/envelope"
	"imagebot/pkg/observability"
	"imagebot/pkg/queue"
)

// Server handles inbound chat events. It must answer every webhook delivery
// well inside the platform's ~3s budget, so the enqueue is bounded by
// PublishTimeout and a slow queue turns into a retryable 503 instead of a
// blocked response.
type Server struct {
	Queue          queue.Queue
	Logger         *slog.Logger
	PublishTimeout time.Duration
}

func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", s.handleHealth)
	r.POST("/events", s.handleEvent)
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleEvent(c *gin.Context) {
	var ev chat.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		observability.EventsReceived.WithLabelValues("unknown", "rejected").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := ev.Validate(); err != nil {
		observability.EventsReceived.WithLabelValues(ev.Action, "rejected").Inc()
		s.Logger.Warn("rejecting malformed event", "message_id", ev.MessageID, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	env := envelope.New(ev.MessageID, envelope.Action(ev.Action), envelope.Payload{
		Prompt:     ev.Prompt,
		Style:      ev.Style,
		ChannelRef: ev.Channel,
		Requester:  ev.Requester,
	})

	// Exactly one publish attempt per inbound event. Duplicates from platform
	// redeliveries are resolved downstream by the idempotency store.
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.PublishTimeout)
	defer cancel()
	if err := s.Queue.Publish(ctx, env); err != nil {
		observability.EventsReceived.WithLabelValues(ev.Action, "queue_unavailable").Inc()
		s.Logger.Error("failed to enqueue job", "fingerprint", env.Fingerprint, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unable to accept the event"})
		return
	}

	observability.EventsReceived.WithLabelValues(ev.Action, "enqueued").Inc()
	s.Logger.Info("event enqueued", "fingerprint", env.Fingerprint, "channel", ev.Channel)
	c.JSON(http.StatusAccepted, gin.H{"fingerprint": env.Fingerprint})
}
