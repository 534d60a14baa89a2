package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/LoganSeven/publik-famille-demo-sub018/internal/domain/repository"
)

const linkColumns = `id, provider_id, subject, account_id, created_at`

// insertLinkGuarded refuses the insert when any link already exists for
// (provider, subject): single-account providers never get a second row,
// whatever the race. Multiaccount links come from explicit account
// linking, not from this path.
const insertLinkGuarded = `
INSERT INTO federated_link (provider_id, subject, account_id)
SELECT $1, $2, $3
WHERE NOT EXISTS (SELECT 1 FROM federated_link WHERE provider_id = $1 AND subject = $2)
RETURNING id, created_at`

func scanLink(row pgx.Row) (*repository.FederatedLink, error) {
	var l repository.FederatedLink
	err := row.Scan(&l.ID, &l.ProviderID, &l.Subject, &l.AccountID, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}

func (s *Store) GetLink(ctx context.Context, providerID, subject string) (*repository.FederatedLink, error) {
	q := `SELECT ` + linkColumns + ` FROM federated_link WHERE provider_id = $1 AND subject = $2 ORDER BY created_at LIMIT 2`
	rows, err := s.pool.Query(ctx, q, providerID, subject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var links []repository.FederatedLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(links) {
	case 0:
		return nil, repository.ErrNotFound
	case 1:
		return &links[0], nil
	default:
		return nil, repository.ErrConflict
	}
}

func (s *Store) ListLinks(ctx context.Context, providerID, subject string) ([]repository.FederatedLink, error) {
	q := `
SELECT l.id, l.provider_id, l.subject, l.account_id, l.created_at
FROM federated_link l
JOIN account a ON a.id = l.account_id
WHERE l.provider_id = $1 AND l.subject = $2 AND a.active
ORDER BY l.created_at`
	rows, err := s.pool.Query(ctx, q, providerID, subject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []repository.FederatedLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (s *Store) GetLinkByID(ctx context.Context, linkID string) (*repository.FederatedLink, error) {
	q := `SELECT ` + linkColumns + ` FROM federated_link WHERE id = $1`
	return scanLink(s.pool.QueryRow(ctx, q, linkID))
}

func (s *Store) GetLinkByAccount(ctx context.Context, providerID, accountID string) (*repository.FederatedLink, error) {
	q := `SELECT ` + linkColumns + ` FROM federated_link WHERE provider_id = $1 AND account_id = $2 ORDER BY created_at LIMIT 1`
	return scanLink(s.pool.QueryRow(ctx, q, providerID, accountID))
}

func (s *Store) CreateLink(ctx context.Context, providerID, subject, accountID string) (*repository.FederatedLink, error) {
	link := repository.FederatedLink{ProviderID: providerID, Subject: subject, AccountID: accountID}
	err := s.pool.QueryRow(ctx, insertLinkGuarded, providerID, subject, accountID).
		Scan(&link.ID, &link.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
			return nil, repository.ErrConflict
		}
		return nil, err
	}
	return &link, nil
}

func (s *Store) UpdateLinkSubject(ctx context.Context, linkID, newSubject string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE federated_link SET subject = $2 WHERE id = $1`, linkID, newSubject)
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
