package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/document"
)

const (
	// RealtimeEventDocumentChanged carries the updated document row.
	RealtimeEventDocumentChanged = "document-change"
	// RealtimeEventPresenceChanged tells clients to re-fetch the roster.
	RealtimeEventPresenceChanged = "presence-change"
	realtimeEventHeartbeat       = "heartbeat"
	realtimeSourceBackend        = "coedit-backend"
	realtimeHeartbeatInterval    = 25 * time.Second
)

type documentChangePayload struct {
	DocumentID       string `json:"document_id"`
	Title            string `json:"title"`
	ContentB64       string `json:"content_b64"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

type presenceChangePayload struct {
	DocumentID string `json:"document_id"`
}

type heartbeatEventPayload struct {
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp_s"`
}

func (h *httpHandler) handleDocumentStream(c *gin.Context) {
	documentID, err := document.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}

	events, cleanup := h.changeFeed.SubscribeDocumentChanges(c.Request.Context(), documentID)
	defer cleanup()

	setStreamHeaders(c)
	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(RealtimeEventDocumentChanged, documentChangePayload{
				DocumentID:       event.Document.DocumentID,
				Title:            event.Document.Title,
				ContentB64:       event.Document.ContentB64,
				UpdatedAtSeconds: event.Document.UpdatedAtSeconds,
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatEventPayload{
				Source:    realtimeSourceBackend,
				Timestamp: tick.UTC().Unix(),
			})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) handlePresenceStream(c *gin.Context) {
	documentID, err := document.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}

	events, cleanup := h.changeFeed.SubscribePresenceChanges(c.Request.Context(), documentID)
	defer cleanup()

	setStreamHeaders(c)
	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(RealtimeEventPresenceChanged, presenceChangePayload{
				DocumentID: event.DocumentID.String(),
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatEventPayload{
				Source:    realtimeSourceBackend,
				Timestamp: tick.UTC().Unix(),
			})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func setStreamHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	// Send the response head immediately so EventSource clients connect
	// before the first event arrives.
	c.Writer.Flush()
}
