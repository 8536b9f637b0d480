package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"relayWs/internal/modules/realtime/application/port"
	"relayWs/internal/modules/realtime/domain"
)

type sendEmailPayload struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	UserID  string   `json:"userId"`
}

// SendEmailHandler delivers queued emails and, when the message names a user, tells that
// user's live connections the email went out.
type SendEmailHandler struct {
	sender port.EmailSender
	deps   Deps
	logger *slog.Logger
}

func NewSendEmailHandler(deps Deps, sender port.EmailSender) *SendEmailHandler {
	return &SendEmailHandler{sender: sender, deps: deps, logger: deps.logger("send-email")}
}

func (h *SendEmailHandler) Name() string { return "send-email" }

func (h *SendEmailHandler) CanHandle(action string) bool {
	return domain.NormalizeAction(action) == domain.ActionSendEmail
}

func (h *SendEmailHandler) Actions() []string { return []string{domain.ActionSendEmail} }

func (h *SendEmailHandler) Handle(ctx context.Context, msg *domain.MessageContext) domain.ProcessingResult {
	var payload sendEmailPayload
	if err := msg.Decode(&payload); err != nil {
		return domain.Failed(fmt.Errorf("send email: %w", err))
	}
	to, err := recipients(payload.To)
	if err != nil {
		return domain.Failed(fmt.Errorf("send email: %w", err))
	}
	if strings.TrimSpace(payload.Subject) == "" {
		return domain.Failed(fmt.Errorf("send email: %w: missing subject", domain.ErrDecode))
	}

	if err := h.sender.Send(ctx, to, payload.Subject, payload.Body); err != nil {
		h.logger.Error("email delivery failed", slog.String("messageId", msg.ID), slog.Any("to", to), slog.Any("error", err))
		return domain.Failed(fmt.Errorf("send email: %w", err))
	}
	h.logger.Info("email delivered", slog.String("messageId", msg.ID), slog.Int("recipients", len(to)))

	userID := firstNonEmpty(payload.UserID, msg.UserID)
	if userID == "" {
		return domain.Succeeded(nil)
	}
	notice := domain.NewMessage(domain.EmailEntity, domain.ActionSent, map[string]any{
		"messageId": msg.ID,
		"subject":   payload.Subject,
	}, h.deps.clock()())
	return domain.Succeeded(&domain.Relay{UserID: userID, Payload: notice})
}

func recipients(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		addr, err := mail.ParseAddress(strings.TrimSpace(r))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid recipient %q", domain.ErrDecode, r)
		}
		out = append(out, addr.Address)
	}
	if len(out) == 0 {
		return nil, errors.Join(domain.ErrDecode, errors.New("no recipients"))
	}
	return out, nil
}

var (
	_ port.MessageHandler = (*SendEmailHandler)(nil)
	_ port.ActionClaimer  = (*SendEmailHandler)(nil)
)
