// Package memory implements the account repository in process memory.
// Used for development without a database and as the test double; it
// enforces the same (provider, subject) link uniqueness as the SQL
// store so race recovery paths behave identically.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LoganSeven/publik-famille-demo-sub018/internal/domain/repository"
)

// Store holds accounts and links behind one mutex.
type Store struct {
	mu       sync.Mutex
	accounts map[string]*repository.Account
	links    map[string]*repository.FederatedLink
	order    int64
}

// New builds an empty store.
func New() *Store {
	return &Store{
		accounts: map[string]*repository.Account{},
		links:    map[string]*repository.FederatedLink{},
	}
}

// nextTime hands out strictly increasing timestamps so ordering by
// creation is stable even within one clock tick.
func (s *Store) nextTime() time.Time {
	s.order++
	return time.Now().Add(time.Duration(s.order) * time.Microsecond)
}

func copyAccount(a *repository.Account) *repository.Account {
	c := *a
	c.Attributes = map[string]string{}
	c.VerifiedAttributes = map[string]string{}
	for k, v := range a.Attributes {
		c.Attributes[k] = v
	}
	for k, v := range a.VerifiedAttributes {
		c.VerifiedAttributes[k] = v
	}
	return &c
}

func (s *Store) GetByID(_ context.Context, accountID string) (*repository.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyAccount(a), nil
}

func (s *Store) findActive(match func(*repository.Account) bool) []repository.Account {
	var out []repository.Account
	for _, a := range s.accounts {
		if a.Active && match(a) {
			out = append(out, *copyAccount(a))
		}
	}
	// stable order by creation
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (s *Store) FindActiveByUsername(_ context.Context, username string) ([]repository.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findActive(func(a *repository.Account) bool {
		return a.Username == username
	}), nil
}

func (s *Store) FindActiveByEmail(_ context.Context, email, orgUnit string) ([]repository.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findActive(func(a *repository.Account) bool {
		if !strings.EqualFold(a.Email, email) {
			return false
		}
		return orgUnit == "" || a.OrgUnit == orgUnit
	}), nil
}

func (s *Store) create(input repository.CreateAccountInput) *repository.Account {
	a := &repository.Account{
		ID:                 uuid.NewString(),
		OrgUnit:            input.OrgUnit,
		Username:           input.Username,
		Email:              input.Email,
		EmailVerified:      input.EmailVerified,
		FirstName:          input.FirstName,
		LastName:           input.LastName,
		Active:             true,
		Attributes:         map[string]string{},
		VerifiedAttributes: map[string]string{},
		CreatedAt:          s.nextTime(),
	}
	s.accounts[a.ID] = a
	return a
}

func (s *Store) Create(_ context.Context, input repository.CreateAccountInput) (*repository.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyAccount(s.create(input)), nil
}

func (s *Store) CreateWithLink(_ context.Context, input repository.CreateAccountInput, providerID, subject string) (*repository.Account, *repository.FederatedLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		if l.ProviderID == providerID && l.Subject == subject {
			return nil, nil, repository.ErrConflict
		}
	}
	a := s.create(input)
	link := s.createLink(providerID, subject, a.ID)
	return copyAccount(a), link, nil
}

func (s *Store) Update(_ context.Context, accountID string, input repository.UpdateAccountInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return repository.ErrNotFound
	}
	if input.Username != nil {
		a.Username = *input.Username
	}
	if input.Email != nil {
		a.Email = *input.Email
	}
	if input.EmailVerified != nil {
		a.EmailVerified = *input.EmailVerified
	}
	if input.FirstName != nil {
		a.FirstName = *input.FirstName
	}
	if input.LastName != nil {
		a.LastName = *input.LastName
	}
	return nil
}

func (s *Store) SetAttribute(_ context.Context, accountID, name, value string, verified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return repository.ErrNotFound
	}
	if verified {
		a.VerifiedAttributes[name] = value
		delete(a.Attributes, name)
	} else {
		a.Attributes[name] = value
		delete(a.VerifiedAttributes, name)
	}
	return nil
}

// SetActive flips the active flag; a helper for tests and dev seeding.
func (s *Store) SetActive(accountID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[accountID]; ok {
		a.Active = active
	}
}

func (s *Store) createLink(providerID, subject, accountID string) *repository.FederatedLink {
	l := &repository.FederatedLink{
		ID:         uuid.NewString(),
		ProviderID: providerID,
		Subject:    subject,
		AccountID:  accountID,
		CreatedAt:  s.nextTime(),
	}
	s.links[l.ID] = l
	return l
}

func (s *Store) GetLink(_ context.Context, providerID, subject string) (*repository.FederatedLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *repository.FederatedLink
	for _, l := range s.links {
		if l.ProviderID == providerID && l.Subject == subject {
			if found != nil {
				return nil, repository.ErrConflict
			}
			c := *l
			found = &c
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

func (s *Store) ListLinks(_ context.Context, providerID, subject string) ([]repository.FederatedLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repository.FederatedLink
	for _, l := range s.links {
		if l.ProviderID != providerID || l.Subject != subject {
			continue
		}
		if a, ok := s.accounts[l.AccountID]; !ok || !a.Active {
			continue
		}
		out = append(out, *l)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (s *Store) GetLinkByID(_ context.Context, linkID string) (*repository.FederatedLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[linkID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *l
	return &c, nil
}

func (s *Store) GetLinkByAccount(_ context.Context, providerID, accountID string) (*repository.FederatedLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *repository.FederatedLink
	for _, l := range s.links {
		if l.ProviderID == providerID && l.AccountID == accountID {
			if found == nil || l.CreatedAt.Before(found.CreatedAt) {
				c := *l
				found = &c
			}
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

func (s *Store) CreateLink(_ context.Context, providerID, subject, accountID string) (*repository.FederatedLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		if l.ProviderID == providerID && l.Subject == subject {
			return nil, repository.ErrConflict
		}
	}
	return s.createLink(providerID, subject, accountID), nil
}

func (s *Store) UpdateLinkSubject(_ context.Context, linkID, newSubject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[linkID]
	if !ok {
		return repository.ErrNotFound
	}
	l.Subject = newSubject
	return nil
}

// AddLink inserts a link without the single-account guard; test and
// seed helper for multiaccount fixtures.
func (s *Store) AddLink(providerID, subject, accountID string) *repository.FederatedLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.createLink(providerID, subject, accountID)
	c := *l
	return &c
}
