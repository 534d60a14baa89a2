// Package audit records journal events for authentication activity.
// The journal is a narrow collaborator: callers only emit events, and
// tests swap in a recording implementation.
package audit

import (
	"context"

	"github.com/LoganSeven/publik-famille-demo-sub018/internal/observability/logger"
	"go.uber.org/zap"
)

// Event names emitted by the federation core.
const (
	EventLogin         = "user.login"
	EventLoginFailure  = "user.login.failure"
	EventRegistration  = "user.registration"
	EventLink          = "user.federation.link"
	EventSubChange     = "user.federation.sub_change"
	EventClaimError    = "auth.oidc.claim_error"
	EventKeysetChange  = "provider.keyset.change"
	EventProviderDown  = "provider.down"
	EventAccountChoice = "auth.oidc.account_selection"
)

// Journal records structured authentication events.
type Journal interface {
	Record(ctx context.Context, event string, fields map[string]any)
}

// NewZapJournal returns a Journal that writes events through the
// application logger.
func NewZapJournal() Journal {
	return zapJournal{}
}

type zapJournal struct{}

func (zapJournal) Record(ctx context.Context, event string, fields map[string]any) {
	zf := make([]zap.Field, 0, len(fields)+1)
	zf = append(zf, zap.String("event", event))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	logger.From(ctx).With(logger.Component("journal")).Info("journal", zf...)
}

// Nop returns a Journal that drops every event. Used in tests and
// commands that have no journal sink.
func Nop() Journal {
	return nopJournal{}
}

type nopJournal struct{}

func (nopJournal) Record(context.Context, string, map[string]any) {}
