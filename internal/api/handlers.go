package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/bss-eventstore/internal/api/middleware"
	"github.com/example/bss-eventstore/internal/common/logattr"
	"github.com/example/bss-eventstore/internal/infrastructure/store"
	"github.com/example/bss-eventstore/internal/replay"
)

const (
	defaultFeedLimit = 100
	maxFeedLimit     = 1000
)

type Handlers struct {
	events    store.EventStore
	snapshots store.SnapshotStore
	replay    *replay.Service
	logger    *slog.Logger
}

func NewHandlers(events store.EventStore, snapshots store.SnapshotStore, replayService *replay.Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handlers{
		events:    events,
		snapshots: snapshots,
		replay:    replayService,
		logger:    logger.With(logattr.Component("api.Handlers")),
	}
}

// eventResponse renders the payload inline when it is JSON and as base64 otherwise.
type eventResponse struct {
	ID            string          `json:"id"`
	Position      int64           `json:"position"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	Version       int             `json:"version"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	PayloadBase64 string          `json:"payload_base64,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	UserID        string          `json:"user_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

type snapshotResponse struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Version       int             `json:"version"`
	State         json.RawMessage `json:"state,omitempty"`
	StateBase64   string          `json:"state_base64,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func inline(b []byte) (json.RawMessage, string) {
	if len(b) > 0 && json.Valid(b) {
		return json.RawMessage(b), ""
	}
	if len(b) == 0 {
		return nil, ""
	}
	return nil, base64.StdEncoding.EncodeToString(b)
}

func toEventResponses(events []store.Event) []eventResponse {
	out := make([]eventResponse, len(events))
	for i, e := range events {
		payload, encoded := inline(e.Payload)
		out[i] = eventResponse{
			ID:            e.ID,
			Position:      e.Position,
			AggregateID:   e.AggregateID,
			AggregateType: e.AggregateType,
			EventType:     e.EventType,
			Version:       e.Version,
			Payload:       payload,
			PayloadBase64: encoded,
			Timestamp:     e.Timestamp,
			UserID:        e.UserID,
			CorrelationID: e.CorrelationID,
		}
	}
	return out
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handlers) GetAggregateEvents(c *gin.Context) {
	id := c.Param("id")

	since, err := intQuery(c, "since_version", 0)
	if err != nil || since < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since_version must be a non-negative integer"})
		return
	}

	events, err := h.events.GetEventsForAggregateSinceVersion(c.Request.Context(), id, since)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"aggregate_id": id,
		"events":       toEventResponses(events),
		"count":        len(events),
	})
}

func (h *Handlers) GetAggregateVersion(c *gin.Context) {
	id := c.Param("id")
	version, err := h.events.GetLatestVersion(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"aggregate_id": id,
		"version":      version,
		"exists":       version > 0,
	})
}

func (h *Handlers) CheckAggregateIntegrity(c *gin.Context) {
	report, err := h.replay.CheckIntegrity(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handlers) GetSnapshot(c *gin.Context) {
	id := c.Param("id")
	snap, err := h.snapshots.GetLatestSnapshot(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
		return
	}

	state, encoded := inline(snap.State)
	c.JSON(http.StatusOK, snapshotResponse{
		ID:            snap.ID,
		AggregateID:   snap.AggregateID,
		AggregateType: snap.AggregateType,
		Version:       snap.Version,
		State:         state,
		StateBase64:   encoded,
		CreatedAt:     snap.CreatedAt,
	})
}

// DeleteSnapshot forces the next load to replay the full stream.
func (h *Handlers) DeleteSnapshot(c *gin.Context) {
	id := c.Param("id")
	if err := h.snapshots.DeleteSnapshot(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.InfoContext(c.Request.Context(), "snapshot deleted",
		logattr.AggregateID(id),
		slog.String("subject", middleware.Subject(c)))
	c.Status(http.StatusNoContent)
}

func (h *Handlers) GetEventFeed(c *gin.Context) {
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative integer"})
		return
	}
	limit, err := intQuery(c, "limit", defaultFeedLimit)
	if err != nil || limit < 1 || limit > maxFeedLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and " + strconv.Itoa(maxFeedLimit)})
		return
	}

	events, err := h.events.GetEventsSince(c.Request.Context(), after, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}

	next := after
	if len(events) > 0 {
		next = events[len(events)-1].Position
	}
	c.JSON(http.StatusOK, gin.H{
		"events":     toEventResponses(events),
		"count":      len(events),
		"next_after": next,
	})
}

func (h *Handlers) GetEventsByType(c *gin.Context) {
	events, err := h.events.GetEventsByType(c.Request.Context(), c.Param("event_type"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": toEventResponses(events), "count": len(events)})
}

func (h *Handlers) GetEventsByCorrelationID(c *gin.Context) {
	events, err := h.events.GetEventsByCorrelationID(c.Request.Context(), c.Param("correlation_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": toEventResponses(events), "count": len(events)})
}

func (h *Handlers) GetStatistics(c *gin.Context) {
	stats, err := h.replay.Statistics(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// statusFor maps store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidEvent),
		errors.Is(err, store.ErrInvalidSnapshot),
		errors.Is(err, store.ErrNoEvents):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(c.Request.Context(), "request failed",
			slog.String("path", c.FullPath()),
			logattr.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	v, ok := c.GetQuery(key)
	if !ok || v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
