package repository

import (
	"context"
	"time"
)

// Account is a local user account. The account store owns its full
// lifecycle; the federation core only reads it and sets attributes
// mapped from provider claims.
type Account struct {
	ID            string
	OrgUnit       string
	Username      string
	Email         string
	EmailVerified bool
	FirstName     string
	LastName      string
	// PasswordHash is empty for accounts created from a federated
	// login; such accounts have no usable local password.
	PasswordHash       string
	Active             bool
	Attributes         map[string]string
	VerifiedAttributes map[string]string
	CreatedAt          time.Time
}

// CreateAccountInput holds the data to create an account.
type CreateAccountInput struct {
	OrgUnit       string
	Username      string
	Email         string
	EmailVerified bool
	FirstName     string
	LastName      string
}

// UpdateAccountInput holds the updatable legacy fields. Nil pointers
// leave the field unchanged.
type UpdateAccountInput struct {
	Username      *string
	Email         *string
	EmailVerified *bool
	FirstName     *string
	LastName      *string
}

// AccountRepository defines the operations the federation core needs
// from the account store. Implementable over any relational store; the
// create-or-link path relies on a unique constraint on
// (provider_id, subject) links.
type AccountRepository interface {
	// GetByID fetches an account. Returns ErrNotFound if absent.
	GetByID(ctx context.Context, accountID string) (*Account, error)

	// FindActiveByUsername lists active accounts with the username,
	// ordered by creation.
	FindActiveByUsername(ctx context.Context, username string) ([]Account, error)

	// FindActiveByEmail lists active accounts with the email address
	// (case-insensitive). orgUnit restricts the scope when non-empty.
	FindActiveByEmail(ctx context.Context, email, orgUnit string) ([]Account, error)

	// Create inserts a new account without a usable password.
	Create(ctx context.Context, input CreateAccountInput) (*Account, error)

	// CreateWithLink inserts an account and its federated link in one
	// atomic unit. On a (provider, subject) constraint violation
	// nothing is persisted and ErrConflict is returned.
	CreateWithLink(ctx context.Context, input CreateAccountInput, providerID, subject string) (*Account, *FederatedLink, error)

	// Update applies the non-nil fields of input.
	Update(ctx context.Context, accountID string, input UpdateAccountInput) error

	// SetAttribute stores a mapped attribute on the account, in the
	// verified or unverified bag.
	SetAttribute(ctx context.Context, accountID, name, value string, verified bool) error

	LinkRepository
}
