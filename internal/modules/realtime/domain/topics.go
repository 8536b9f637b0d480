package domain

import "strings"

const (
	SystemEntity       = "system"
	NotificationEntity = "notification"
	EmailEntity        = "email"

	TopicSystemConnected = SystemEntity + ".connected"
	TopicSystemPong      = SystemEntity + ".pong"
	TopicSystemError     = SystemEntity + ".error"

	ActionConnected = "connected"
	ActionPing      = "ping"
	ActionPong      = "pong"
	ActionError     = "error"
	ActionSent      = "sent"

	// Queue actions claimed by the built-in handlers.
	ActionNotifyUser      = "notify.user"
	ActionNotifyBroadcast = "notify.broadcast"
	ActionSendEmail       = "email.send"
)

// CustomTopic returns the canonical topic for the given entity and action.
func CustomTopic(entity, action string) string {
	cleanEntity := strings.TrimSpace(entity)
	cleanAction := strings.TrimSpace(action)
	if cleanEntity == "" || cleanAction == "" {
		return ""
	}
	return cleanEntity + "." + cleanAction
}

// NormalizeAction lowercases and trims an action identifier so lookups are case-insensitive.
func NormalizeAction(action string) string {
	return strings.ToLower(strings.TrimSpace(action))
}
