// Package resolver matches a verified federated identity to a local
// account. Every branch of the matching state machine surfaces as a
// typed Resolution value; the caller never has to catch anything.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/LoganSeven/publik-famille-demo-sub018/internal/audit"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/domain/repository"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/claimmap"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/provider"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/observability/logger"
)

// Outcome is the terminal state of a resolution.
type Outcome string

const (
	// OutcomeLinked: an existing account was matched.
	OutcomeLinked Outcome = "LINKED"
	// OutcomeCreated: a new account was provisioned and linked.
	OutcomeCreated Outcome = "CREATED"
	// OutcomeAmbiguous: several accounts match; the user must choose.
	OutcomeAmbiguous Outcome = "AMBIGUOUS"
	// OutcomeRejected: no account can be bound; see Reason.
	OutcomeRejected Outcome = "REJECTED"
)

// Reason enumerates why a resolution was rejected.
type Reason string

const (
	ReasonEmailAlreadyLinked Reason = "EmailAlreadyLinkedToOtherAccount"
	ReasonAccountInactive    Reason = "AccountInactive"
	ReasonUniquenessConflict Reason = "UniquenessConflict"
	ReasonNoAccountFound     Reason = "NoAccountFound"
)

// Candidate is one selectable account in an ambiguous resolution.
type Candidate struct {
	LinkID    string
	AccountID string
	Username  string
	Email     string
}

// Resolution is the outcome of matching a subject to an account.
// Account and Link are set on LINKED/CREATED, Candidates on AMBIGUOUS,
// Reason on REJECTED.
type Resolution struct {
	Outcome    Outcome
	Account    *repository.Account
	Link       *repository.FederatedLink
	Candidates []Candidate
	Reason     Reason
}

// Resolver runs the account matching state machine over a repository.
type Resolver struct {
	repo    repository.AccountRepository
	journal audit.Journal
}

// New builds a resolver. A nil journal disables event recording.
func New(repo repository.AccountRepository, journal audit.Journal) *Resolver {
	if journal == nil {
		journal = audit.Nop()
	}
	return &Resolver{repo: repo, journal: journal}
}

func rejected(reason Reason) *Resolution {
	return &Resolution{Outcome: OutcomeRejected, Reason: reason}
}

// Resolve matches the asserted subject against local accounts following
// the provider's strategy. values are the mapped claims in legacy-first
// order; the resolver reads the legacy attributes it needs and leaves
// attribute persistence to the caller.
func (r *Resolver) Resolve(ctx context.Context, cfg *provider.Config, sub string, values []claimmap.Value) (*Resolution, error) {
	if sub == "" {
		return nil, errors.New("resolver: empty subject")
	}
	log := logger.From(ctx).With(
		logger.Component("federation.resolver"),
		logger.Provider(cfg.ID),
		logger.Subject(sub),
	)

	// The link table is authoritative whatever the strategy: a subject
	// already linked must come back to its account.
	res, found, err := r.bySubject(ctx, cfg, sub)
	if err != nil {
		return nil, err
	}
	if found {
		return res, nil
	}

	switch cfg.Strategy {
	case provider.StrategyCreate:
		return r.createOrSoftMatch(ctx, log, cfg, sub, values)
	case provider.StrategyFindBySubject:
		return rejected(ReasonNoAccountFound), nil
	case provider.StrategyFindByUsername:
		accounts, err := r.repo.FindActiveByUsername(ctx, sub)
		if err != nil {
			return nil, fmt.Errorf("resolver: find by username: %w", err)
		}
		return r.linkSingle(ctx, log, cfg, sub, accounts)
	case provider.StrategyFindByEmail:
		email := valueOf(values, "email")
		if email == "" {
			email = sub
		}
		accounts, err := r.repo.FindActiveByEmail(ctx, email, emailScope(cfg))
		if err != nil {
			return nil, fmt.Errorf("resolver: find by email: %w", err)
		}
		return r.linkSingle(ctx, log, cfg, sub, accounts)
	case provider.StrategyNone:
		return rejected(ReasonNoAccountFound), nil
	default:
		return nil, fmt.Errorf("resolver: unknown strategy %q", cfg.Strategy)
	}
}

// ResumeSelection completes an ambiguous resolution with the link the
// user chose. The chosen link must still carry the subject asserted by
// the provider; anything else is rejected.
func (r *Resolver) ResumeSelection(ctx context.Context, cfg *provider.Config, sub, linkID string) (*Resolution, error) {
	link, err := r.repo.GetLinkByID(ctx, linkID)
	if err != nil {
		if repository.IsNotFound(err) {
			return rejected(ReasonNoAccountFound), nil
		}
		return nil, fmt.Errorf("resolver: get link: %w", err)
	}
	if link.ProviderID != cfg.ID || link.Subject != sub {
		logger.From(ctx).Warn("account choice does not match asserted subject",
			logger.Component("federation.resolver"),
			logger.Provider(cfg.ID),
			logger.Subject(sub),
		)
		return rejected(ReasonUniquenessConflict), nil
	}
	res, err := r.loadLinked(ctx, cfg, link)
	if err != nil {
		return nil, err
	}
	if res.Outcome == OutcomeLinked {
		r.journal.Record(ctx, audit.EventAccountChoice, map[string]any{
			"provider": cfg.ID,
			"account":  link.AccountID,
			"link":     link.ID,
		})
	}
	return res, nil
}

// bySubject consults the link table. found is false when the state
// machine should continue with the configured strategy.
func (r *Resolver) bySubject(ctx context.Context, cfg *provider.Config, sub string) (*Resolution, bool, error) {
	if cfg.SupportsMultiAccount {
		links, err := r.repo.ListLinks(ctx, cfg.ID, sub)
		if err != nil {
			return nil, false, fmt.Errorf("resolver: list links: %w", err)
		}
		switch len(links) {
		case 0:
			return nil, false, nil
		case 1:
			res, err := r.loadLinked(ctx, cfg, &links[0])
			return res, true, err
		default:
			candidates, err := r.candidates(ctx, links)
			if err != nil {
				return nil, false, err
			}
			return &Resolution{Outcome: OutcomeAmbiguous, Candidates: candidates}, true, nil
		}
	}

	link, err := r.repo.GetLink(ctx, cfg.ID, sub)
	switch {
	case err == nil:
		res, err := r.loadLinked(ctx, cfg, link)
		return res, true, err
	case repository.IsNotFound(err):
		return nil, false, nil
	case repository.IsConflict(err):
		// Two links for one (provider, subject) on a single-account
		// provider: a broken invariant, not a user error.
		return nil, false, fmt.Errorf("resolver: several links for provider %s subject: %w", cfg.ID, err)
	default:
		return nil, false, fmt.Errorf("resolver: get link: %w", err)
	}
}

// createOrSoftMatch is the CREATE strategy: try to adopt an existing
// account by email, else provision a fresh one.
func (r *Resolver) createOrSoftMatch(ctx context.Context, log *zap.Logger, cfg *provider.Config, sub string, values []claimmap.Value) (*Resolution, error) {
	email := valueOf(values, "email")

	if email != "" {
		accounts, err := r.repo.FindActiveByEmail(ctx, email, emailScope(cfg))
		if err != nil {
			return nil, fmt.Errorf("resolver: email soft-match: %w", err)
		}
		if len(accounts) > 0 {
			if !cfg.LinkByEmail {
				if cfg.EmailIsUnique {
					// Creating a second account with this email would
					// break the uniqueness the deployment asked for.
					return rejected(ReasonEmailAlreadyLinked), nil
				}
				// Duplicate emails are tolerated here: fall through and
				// provision a separate account.
			} else {
				if len(accounts) > 1 {
					return rejected(ReasonEmailAlreadyLinked), nil
				}
				return r.adoptByEmail(ctx, log, cfg, sub, &accounts[0])
			}
		}
	}

	input := repository.CreateAccountInput{
		OrgUnit:       cfg.OrgUnit,
		Username:      valueOf(values, "username"),
		Email:         email,
		EmailVerified: verifiedOf(values, "email"),
		FirstName:     valueOf(values, "first_name"),
		LastName:      valueOf(values, "last_name"),
	}
	account, link, err := r.repo.CreateWithLink(ctx, input, cfg.ID, sub)
	if repository.IsConflict(err) {
		// Lost a race against an identical login. The winner persisted
		// the link; one lookup recovers it. Never create again.
		log.Info("create raced an existing link, recovering by subject")
		link, lerr := r.repo.GetLink(ctx, cfg.ID, sub)
		if lerr != nil {
			return rejected(ReasonUniquenessConflict), nil
		}
		return r.loadLinked(ctx, cfg, link)
	}
	if err != nil {
		return nil, fmt.Errorf("resolver: create account: %w", err)
	}

	log.Info("account created from federated identity", logger.AccountID(account.ID))
	r.journal.Record(ctx, audit.EventRegistration, map[string]any{
		"provider": cfg.ID,
		"account":  account.ID,
	})
	r.journal.Record(ctx, audit.EventLink, map[string]any{
		"provider": cfg.ID,
		"account":  account.ID,
		"link":     link.ID,
	})
	return &Resolution{Outcome: OutcomeCreated, Account: account, Link: link}, nil
}

// adoptByEmail links the asserted subject to an account matched by
// email. If the account already carries a link for this provider under
// another subject, the provider rotated its subjects: the link is
// corrected in place rather than duplicated.
func (r *Resolver) adoptByEmail(ctx context.Context, log *zap.Logger, cfg *provider.Config, sub string, account *repository.Account) (*Resolution, error) {
	if !account.Active {
		return rejected(ReasonAccountInactive), nil
	}

	existing, err := r.repo.GetLinkByAccount(ctx, cfg.ID, account.ID)
	switch {
	case err == nil:
		if existing.Subject == sub {
			return &Resolution{Outcome: OutcomeLinked, Account: account, Link: existing}, nil
		}
		if err := r.repo.UpdateLinkSubject(ctx, existing.ID, sub); err != nil {
			return nil, fmt.Errorf("resolver: update link subject: %w", err)
		}
		log.Warn("provider rotated its subject for a linked account",
			logger.AccountID(account.ID),
		)
		r.journal.Record(ctx, audit.EventSubChange, map[string]any{
			"provider":    cfg.ID,
			"account":     account.ID,
			"old_subject": existing.Subject,
			"new_subject": sub,
		})
		existing.Subject = sub
		return &Resolution{Outcome: OutcomeLinked, Account: account, Link: existing}, nil
	case repository.IsNotFound(err):
		return r.linkAccount(ctx, log, cfg, sub, account)
	default:
		return nil, fmt.Errorf("resolver: get link by account: %w", err)
	}
}

// linkSingle terminates the FIND_BY_USERNAME / FIND_BY_EMAIL lookups:
// exactly one active match links, anything else rejects.
func (r *Resolver) linkSingle(ctx context.Context, log *zap.Logger, cfg *provider.Config, sub string, accounts []repository.Account) (*Resolution, error) {
	switch len(accounts) {
	case 0:
		return rejected(ReasonNoAccountFound), nil
	case 1:
		return r.linkAccount(ctx, log, cfg, sub, &accounts[0])
	default:
		log.Warn("lookup matched several accounts", logger.Count(len(accounts)))
		return rejected(ReasonUniquenessConflict), nil
	}
}

func (r *Resolver) linkAccount(ctx context.Context, log *zap.Logger, cfg *provider.Config, sub string, account *repository.Account) (*Resolution, error) {
	if !account.Active {
		return rejected(ReasonAccountInactive), nil
	}
	link, err := r.repo.CreateLink(ctx, cfg.ID, sub, account.ID)
	if repository.IsConflict(err) {
		// Same double-submit race as the create path.
		link, lerr := r.repo.GetLink(ctx, cfg.ID, sub)
		if lerr != nil {
			return rejected(ReasonUniquenessConflict), nil
		}
		return r.loadLinked(ctx, cfg, link)
	}
	if err != nil {
		return nil, fmt.Errorf("resolver: create link: %w", err)
	}
	log.Info("federated identity linked to existing account", logger.AccountID(account.ID))
	r.journal.Record(ctx, audit.EventLink, map[string]any{
		"provider": cfg.ID,
		"account":  account.ID,
		"link":     link.ID,
	})
	return &Resolution{Outcome: OutcomeLinked, Account: account, Link: link}, nil
}

func (r *Resolver) loadLinked(ctx context.Context, cfg *provider.Config, link *repository.FederatedLink) (*Resolution, error) {
	account, err := r.repo.GetByID(ctx, link.AccountID)
	if err != nil {
		if repository.IsNotFound(err) {
			// Dangling link; the account was purged underneath it.
			return rejected(ReasonNoAccountFound), nil
		}
		return nil, fmt.Errorf("resolver: get account: %w", err)
	}
	if !account.Active {
		return rejected(ReasonAccountInactive), nil
	}
	return &Resolution{Outcome: OutcomeLinked, Account: account, Link: link}, nil
}

func (r *Resolver) candidates(ctx context.Context, links []repository.FederatedLink) ([]Candidate, error) {
	out := make([]Candidate, 0, len(links))
	for i := range links {
		account, err := r.repo.GetByID(ctx, links[i].AccountID)
		if err != nil {
			if repository.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("resolver: get account: %w", err)
		}
		if !account.Active {
			continue
		}
		out = append(out, Candidate{
			LinkID:    links[i].ID,
			AccountID: account.ID,
			Username:  account.Username,
			Email:     account.Email,
		})
	}
	return out, nil
}

func emailScope(cfg *provider.Config) string {
	if cfg.EmailIsUnique {
		return ""
	}
	return cfg.OrgUnit
}

func valueOf(values []claimmap.Value, attribute string) string {
	for _, v := range values {
		if v.Attribute == attribute {
			return v.Value
		}
	}
	return ""
}

func verifiedOf(values []claimmap.Value, attribute string) bool {
	for _, v := range values {
		if v.Attribute == attribute {
			return v.Verified
		}
	}
	return false
}
