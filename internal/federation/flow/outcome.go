package flow

import (
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/domain/repository"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/resolver"
)

// Status classifies a callback outcome for the HTTP layer.
type Status string

const (
	// StatusLoggedIn: account resolved, session bound.
	StatusLoggedIn Status = "logged-in"
	// StatusSelectionRequired: several linked accounts; the user picks one.
	StatusSelectionRequired Status = "selection-required"
	// StatusDenied: the user cancelled at the provider (access_denied).
	StatusDenied Status = "denied"
	// StatusProviderError: the provider returned another error code.
	StatusProviderError Status = "provider-error"
	// StatusProviderDown: token exchange or userinfo were unreachable.
	StatusProviderDown Status = "provider-down"
	// StatusTryAgain: state or token validation failed; restart the login.
	StatusTryAgain Status = "try-again"
	// StatusMisconfigured: admin-actionable configuration problem.
	StatusMisconfigured Status = "misconfigured"
	// StatusRejected: account resolution refused; see Reason.
	StatusRejected Status = "rejected"
)

// Outcome is the result of completing (or resuming) a login. Message is
// safe to show to the end user; internals stay in the logs.
type Outcome struct {
	Status  Status
	Message string
	NextURL string

	// Account, Created and SessionToken are set on StatusLoggedIn.
	Account      *repository.Account
	Created      bool
	SessionToken string

	// Candidates and SelectionHandle are set on StatusSelectionRequired.
	Candidates      []resolver.Candidate
	SelectionHandle string

	// Reason is set on StatusRejected.
	Reason resolver.Reason
}

const (
	msgDenied        = "You declined the login at the identity provider."
	msgProviderDown  = "The identity provider is unavailable, please try again later."
	msgTryAgain      = "Login failed, please try again."
	msgMisconfigured = "Your account is misconfigured, please contact an administrator."
)

func rejectMessage(reason resolver.Reason) string {
	switch reason {
	case resolver.ReasonEmailAlreadyLinked:
		return "Your email address is already used by another account."
	case resolver.ReasonAccountInactive:
		return "Your account is disabled, please contact an administrator."
	case resolver.ReasonUniquenessConflict:
		return "Your identity matches several accounts, please contact an administrator."
	case resolver.ReasonNoAccountFound:
		return "No account matches your identity."
	default:
		return msgTryAgain
	}
}
