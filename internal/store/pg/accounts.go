package pg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/LoganSeven/publik-famille-demo-sub018/internal/domain/repository"
)

const accountColumns = `id, org_unit, username, email, email_verified, first_name, last_name, password_hash, active, created_at`

func scanAccount(row pgx.Row) (*repository.Account, error) {
	var a repository.Account
	err := row.Scan(&a.ID, &a.OrgUnit, &a.Username, &a.Email, &a.EmailVerified,
		&a.FirstName, &a.LastName, &a.PasswordHash, &a.Active, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *Store) GetByID(ctx context.Context, accountID string) (*repository.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM account WHERE id = $1`
	a, err := scanAccount(s.pool.QueryRow(ctx, q, accountID))
	if err != nil {
		return nil, err
	}
	if err := s.loadAttributes(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) loadAttributes(ctx context.Context, a *repository.Account) error {
	rows, err := s.pool.Query(ctx,
		`SELECT name, value, verified FROM account_attribute WHERE account_id = $1`, a.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	a.Attributes = map[string]string{}
	a.VerifiedAttributes = map[string]string{}
	for rows.Next() {
		var name, value string
		var verified bool
		if err := rows.Scan(&name, &value, &verified); err != nil {
			return err
		}
		if verified {
			a.VerifiedAttributes[name] = value
		} else {
			a.Attributes[name] = value
		}
	}
	return rows.Err()
}

func (s *Store) findActive(ctx context.Context, where string, args ...any) ([]repository.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM account WHERE active AND ` + where + ` ORDER BY created_at`
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []repository.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) FindActiveByUsername(ctx context.Context, username string) ([]repository.Account, error) {
	return s.findActive(ctx, `username = $1`, username)
}

func (s *Store) FindActiveByEmail(ctx context.Context, email, orgUnit string) ([]repository.Account, error) {
	if orgUnit != "" {
		return s.findActive(ctx, `LOWER(email) = LOWER($1) AND org_unit = $2`, email, orgUnit)
	}
	return s.findActive(ctx, `LOWER(email) = LOWER($1)`, email)
}

const insertAccount = `
INSERT INTO account (org_unit, username, email, email_verified, first_name, last_name)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + accountColumns

func (s *Store) Create(ctx context.Context, input repository.CreateAccountInput) (*repository.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx, insertAccount,
		input.OrgUnit, input.Username, input.Email, input.EmailVerified, input.FirstName, input.LastName))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, repository.ErrConflict
		}
		return nil, err
	}
	a.Attributes = map[string]string{}
	a.VerifiedAttributes = map[string]string{}
	return a, nil
}

// CreateWithLink inserts the account and its link in one transaction.
// The link insert is guarded against any existing (provider, subject)
// row, so a lost race rolls the account back and reports ErrConflict.
func (s *Store) CreateWithLink(ctx context.Context, input repository.CreateAccountInput, providerID, subject string) (*repository.Account, *repository.FederatedLink, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	a, err := scanAccount(tx.QueryRow(ctx, insertAccount,
		input.OrgUnit, input.Username, input.Email, input.EmailVerified, input.FirstName, input.LastName))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, repository.ErrConflict
		}
		return nil, nil, err
	}

	link := repository.FederatedLink{ProviderID: providerID, Subject: subject, AccountID: a.ID}
	err = tx.QueryRow(ctx, insertLinkGuarded, providerID, subject, a.ID).
		Scan(&link.ID, &link.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
			return nil, nil, repository.ErrConflict
		}
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	a.Attributes = map[string]string{}
	a.VerifiedAttributes = map[string]string{}
	return a, &link, nil
}

func (s *Store) Update(ctx context.Context, accountID string, input repository.UpdateAccountInput) error {
	setParts := []string{}
	args := []any{accountID}
	add := func(col string, v any) {
		args = append(args, v)
		setParts = append(setParts, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if input.Username != nil {
		add("username", *input.Username)
	}
	if input.Email != nil {
		add("email", *input.Email)
	}
	if input.EmailVerified != nil {
		add("email_verified", *input.EmailVerified)
	}
	if input.FirstName != nil {
		add("first_name", *input.FirstName)
	}
	if input.LastName != nil {
		add("last_name", *input.LastName)
	}
	if len(setParts) == 0 {
		return nil
	}
	q := `UPDATE account SET ` + strings.Join(setParts, ", ") + ` WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) SetAttribute(ctx context.Context, accountID, name, value string, verified bool) error {
	const q = `
INSERT INTO account_attribute (account_id, name, value, verified)
VALUES ($1, $2, $3, $4)
ON CONFLICT (account_id, name) DO UPDATE SET value = EXCLUDED.value, verified = EXCLUDED.verified`
	_, err := s.pool.Exec(ctx, q, accountID, name, value, verified)
	return err
}
