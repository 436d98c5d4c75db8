package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/call-relay/internal/middleware"
	"github.com/mossy-p/call-relay/internal/models"
)

const tokenTTL = 24 * time.Hour

// Login issues a participant token.
// For demo purposes, accepts any password; identity is owned by the banking
// backend in production.
func (h *Handler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	role := req.Role
	if role == "" {
		role = middleware.RoleCaller
	}

	token, err := middleware.IssueToken(h.cfg.JWTSecret, req.ParticipantID, role, tokenTTL)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to sign token")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to generate token",
		})
		return
	}

	c.JSON(http.StatusOK, models.LoginResponse{
		Token:         token,
		ParticipantID: req.ParticipantID,
		Role:          role,
	})
}
