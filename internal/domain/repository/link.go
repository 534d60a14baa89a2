package repository

import (
	"context"
	"time"
)

// FederatedLink ties a provider subject to a local account.
// Unique per (provider, subject); when the provider supports multiple
// local accounts per subject, unique per (provider, subject, account).
type FederatedLink struct {
	ID         string
	ProviderID string
	Subject    string
	AccountID  string
	CreatedAt  time.Time
}

// LinkRepository defines operations on federated identity links.
type LinkRepository interface {
	// GetLink fetches the single link for (provider, subject).
	// Returns ErrNotFound if absent, ErrConflict if several exist
	// (multiaccount providers must use ListLinks).
	GetLink(ctx context.Context, providerID, subject string) (*FederatedLink, error)

	// ListLinks lists every link for (provider, subject), active
	// accounts only, ordered by creation.
	ListLinks(ctx context.Context, providerID, subject string) ([]FederatedLink, error)

	// GetLinkByID fetches a link by id. Returns ErrNotFound if absent.
	GetLinkByID(ctx context.Context, linkID string) (*FederatedLink, error)

	// GetLinkByAccount fetches the provider link of a given account.
	// Returns ErrNotFound if absent.
	GetLinkByAccount(ctx context.Context, providerID, accountID string) (*FederatedLink, error)

	// CreateLink inserts a link. Returns ErrConflict on the
	// (provider, subject) uniqueness constraint.
	CreateLink(ctx context.Context, providerID, subject, accountID string) (*FederatedLink, error)

	// UpdateLinkSubject corrects the subject of an existing link after
	// a provider-side subject rotation.
	UpdateLinkSubject(ctx context.Context, linkID, newSubject string) error
}
