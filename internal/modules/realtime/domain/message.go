package domain

import "time"

// Message is the envelope pushed to websocket clients.
type Message struct {
	Topic      string            `json:"topic"`
	Entity     string            `json:"entity"`
	Action     string            `json:"action"`
	ResourceID string            `json:"resourceId,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Data       any               `json:"data,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// NewMessage builds a message whose topic is derived from entity and action.
func NewMessage(entity, action string, data any, at time.Time) *Message {
	return &Message{
		Topic:     CustomTopic(entity, action),
		Entity:    entity,
		Action:    action,
		Data:      data,
		Timestamp: at.UTC(),
	}
}
