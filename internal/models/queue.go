package models

import "time"

// QueueEntry is a caller waiting for an operator.
type QueueEntry struct {
	CallerID    string
	DisplayName string
	CreatedAt   time.Time
	// ConnID is the connection that issued the request; closing it removes the entry.
	ConnID string
}

// QueueItem is the operator-facing view of a queue entry.
type QueueItem struct {
	CallerID    string `json:"callerId"`
	DisplayName string `json:"displayName"`
	WaitSeconds int64  `json:"waitSeconds"`
}

// Item renders the entry with its wait time at now.
func (e QueueEntry) Item(now time.Time) QueueItem {
	wait := int64(now.Sub(e.CreatedAt) / time.Second)
	if wait < 0 {
		wait = 0
	}
	return QueueItem{
		CallerID:    e.CallerID,
		DisplayName: e.DisplayName,
		WaitSeconds: wait,
	}
}

// LoginRequest represents the login request body
type LoginRequest struct {
	ParticipantID string `json:"participantId" binding:"required"`
	Password      string `json:"password" binding:"required"`
	Role          string `json:"role" binding:"omitempty,oneof=caller operator"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token         string `json:"token"`
	ParticipantID string `json:"participantId"`
	Role          string `json:"role"`
}
