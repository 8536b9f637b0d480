package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"relayWs/internal/modules/realtime/domain"
)

// delivery is a raw message as read from a broker.
type delivery struct {
	queue        string
	brokerID     string
	body         []byte
	headerAction string
	ack          domain.Acknowledger
}

type rawEnvelope struct {
	ID       string            `json:"id"`
	Action   string            `json:"action"`
	UserID   string            `json:"userId"`
	Metadata map[string]string `json:"metadata"`
	Payload  json.RawMessage   `json:"payload"`
}

// decodeEnvelope turns a delivery into a MessageContext. The action falls back to
// metadata.action then to the broker header; the id falls back to the broker id.
func decodeEnvelope(d delivery, receivedAt time.Time) (*domain.MessageContext, error) {
	var env rawEnvelope
	if err := json.Unmarshal(d.body, &env); err != nil {
		return nil, errors.Join(domain.ErrDecode, err)
	}

	action := domain.NormalizeAction(firstNonEmpty(env.Action, env.Metadata["action"], d.headerAction))
	if action == "" {
		return nil, fmt.Errorf("%w: missing action", domain.ErrDecode)
	}

	return &domain.MessageContext{
		ID:         firstNonEmpty(env.ID, d.brokerID, uuid.NewString()),
		Queue:      d.queue,
		Action:     action,
		UserID:     strings.TrimSpace(env.UserID),
		Payload:    env.Payload,
		Metadata:   env.Metadata,
		ReceivedAt: receivedAt.UTC(),
		Ack:        d.ack,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
