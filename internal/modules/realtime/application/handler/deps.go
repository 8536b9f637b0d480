// Package handler holds the queue message handlers of the realtime worker.
package handler

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"relayWs/internal/modules/realtime/domain"
	"relayWs/internal/shared/logging"
)

// Deps carries what handlers need from the outside world.
type Deps struct {
	Logger *slog.Logger
	Now    func() time.Time
}

func (d Deps) logger(name string) *slog.Logger {
	return logging.Component(d.Logger, name)
}

func (d Deps) clock() func() time.Time {
	if d.Now == nil {
		return time.Now
	}
	return d.Now
}

// claims is a normalized set of queue actions.
type claims map[string]struct{}

func newClaims(actions ...string) claims {
	c := make(claims, len(actions))
	for _, a := range actions {
		if key := domain.NormalizeAction(a); key != "" {
			c[key] = struct{}{}
		}
	}
	return c
}

func (c claims) has(action string) bool {
	_, ok := c[domain.NormalizeAction(action)]
	return ok
}

func (c claims) list() []string {
	out := make([]string, 0, len(c))
	for a := range c {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
