package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Presence lists participants known to be online.
type Presence interface {
	Online(ctx context.Context) ([]string, error)
}

// GetQueue returns the call queue as operators see it
func (h *Handler) GetQueue(c *gin.Context) {
	c.JSON(http.StatusOK, h.relay.Snapshot())
}

// GetOnline lists online participants from the presence mirror.
func (h *Handler) GetOnline(c *gin.Context) {
	if h.presence == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Presence mirror disabled"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	ids, err := h.presence.Online(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to read presence")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Presence unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": ids})
}

// Health reports liveness and relay sizes
func (h *Handler) Health(c *gin.Context) {
	conns, participants, queued, operators := h.relay.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"connections":  conns,
		"participants": participants,
		"queued":       queued,
		"operators":    operators,
	})
}
