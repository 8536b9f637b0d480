package domain

import (
	"fmt"
	"time"
)

// IncomeMessage is a frame received from a websocket client.
type IncomeMessage struct {
	UID          string         `json:"uid"`
	UserID       string         `json:"userId"`
	ConnectionID string         `json:"connectionId"`
	Action       string         `json:"action"`
	Data         map[string]any `json:"data,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// NewIncomeMessage stamps an inbound frame with its arrival time and a uid unique per connection.
func NewIncomeMessage(userID, connectionID, action string, data map[string]any, at time.Time) IncomeMessage {
	at = at.UTC()
	return IncomeMessage{
		UID:          fmt.Sprintf("%s_%d_%s", userID, at.UnixNano(), connectionID),
		UserID:       userID,
		ConnectionID: connectionID,
		Action:       NormalizeAction(action),
		Data:         data,
		Timestamp:    at,
	}
}
