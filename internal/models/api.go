package models

import "github.com/google/uuid"

// WebSocket message types
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type PlayCountEvent struct {
	ActivityID uuid.UUID `json:"activity_id"`
	PlayCount  int64     `json:"play_count"`
}

// ActivityPlaysChannel is the pub/sub channel carrying play-count updates for one activity.
func ActivityPlaysChannel(activityID uuid.UUID) string {
	return "activity_plays:" + activityID.String()
}

// API Error response
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
