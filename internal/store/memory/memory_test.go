package memory

import (
	"context"
	"testing"

	"github.com/LoganSeven/publik-famille-demo-sub018/internal/domain/repository"
)

func TestCreateWithLink_SubjectGuard(t *testing.T) {
	ctx := context.Background()
	s := New()

	a, link, err := s.CreateWithLink(ctx, repository.CreateAccountInput{Username: "ada"}, "idp", "sub-1")
	if err != nil {
		t.Fatalf("CreateWithLink err: %v", err)
	}
	if link.ProviderID != "idp" || link.Subject != "sub-1" || link.AccountID != a.ID {
		t.Fatalf("link fields: %+v", link)
	}

	// the same (provider, subject) pair cannot be created twice
	if _, _, err := s.CreateWithLink(ctx, repository.CreateAccountInput{Username: "ada2"}, "idp", "sub-1"); !repository.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := s.CreateLink(ctx, "idp", "sub-1", a.ID); !repository.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// another provider may assert the same subject string
	if _, _, err := s.CreateWithLink(ctx, repository.CreateAccountInput{Username: "ada3"}, "other-idp", "sub-1"); err != nil {
		t.Fatalf("other provider blocked: %v", err)
	}
}

func TestGetLink_ConflictOnDuplicates(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, err := s.Create(ctx, repository.CreateAccountInput{Username: "a"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Create(ctx, repository.CreateAccountInput{Username: "b"})
	if err != nil {
		t.Fatal(err)
	}

	// AddLink bypasses the guard, as the admin linking paths do
	s.AddLink("idp", "shared", a.ID)
	s.AddLink("idp", "shared", b.ID)

	if _, err := s.GetLink(ctx, "idp", "shared"); !repository.IsConflict(err) {
		t.Fatalf("expected conflict for duplicated subject, got %v", err)
	}
	links, err := s.ListLinks(ctx, "idp", "shared")
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 2 {
		t.Fatalf("expected both links listed, got %d", len(links))
	}
	// creation order is stable
	if links[0].AccountID != a.ID || links[1].AccountID != b.ID {
		t.Fatalf("unexpected order: %+v", links)
	}
}

func TestListLinks_SkipsInactiveAccounts(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, _ := s.Create(ctx, repository.CreateAccountInput{Username: "a"})
	b, _ := s.Create(ctx, repository.CreateAccountInput{Username: "b"})
	s.AddLink("idp", "shared", a.ID)
	s.AddLink("idp", "shared", b.ID)
	s.SetActive(a.ID, false)

	links, err := s.ListLinks(ctx, "idp", "shared")
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 || links[0].AccountID != b.ID {
		t.Fatalf("inactive account must be skipped: %+v", links)
	}
}

func TestFindActiveByEmail_ScopeAndCase(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, _ := s.Create(ctx, repository.CreateAccountInput{Username: "a", Email: "Ada@Example.com", OrgUnit: "north"})
	b, _ := s.Create(ctx, repository.CreateAccountInput{Username: "b", Email: "ada@example.com", OrgUnit: "south"})

	// global scope matches both, case-insensitively
	got, err := s.FindActiveByEmail(ctx, "ADA@EXAMPLE.COM", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both matches, got %+v", got)
	}

	// org-unit scope narrows
	got, err = s.FindActiveByEmail(ctx, "ada@example.com", "south")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != b.ID {
		t.Fatalf("expected scoped match, got %+v", got)
	}

	s.SetActive(a.ID, false)
	got, err = s.FindActiveByEmail(ctx, "ada@example.com", "north")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("inactive accounts must not match, got %+v", got)
	}
}

func TestUpdate_PartialFields(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, _ := s.Create(ctx, repository.CreateAccountInput{Username: "ada", Email: "ada@example.com", FirstName: "Ada"})

	newEmail := "countess@example.com"
	verified := true
	if err := s.Update(ctx, a.ID, repository.UpdateAccountInput{Email: &newEmail, EmailVerified: &verified}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Email != newEmail || !got.EmailVerified {
		t.Fatalf("update not applied: %+v", got)
	}
	if got.Username != "ada" || got.FirstName != "Ada" {
		t.Fatalf("nil fields must stay untouched: %+v", got)
	}

	if err := s.Update(ctx, "missing", repository.UpdateAccountInput{}); !repository.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSetAttribute_VerifiedSwapsBag(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, _ := s.Create(ctx, repository.CreateAccountInput{Username: "ada"})

	if err := s.SetAttribute(ctx, a.ID, "birthdate", "1815-12-10", false); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetByID(ctx, a.ID)
	if got.Attributes["birthdate"] != "1815-12-10" {
		t.Fatalf("unverified attribute missing: %+v", got.Attributes)
	}

	// re-asserting verified moves the value across bags
	if err := s.SetAttribute(ctx, a.ID, "birthdate", "1815-12-10", true); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetByID(ctx, a.ID)
	if got.VerifiedAttributes["birthdate"] != "1815-12-10" {
		t.Fatalf("verified attribute missing: %+v", got.VerifiedAttributes)
	}
	if _, still := got.Attributes["birthdate"]; still {
		t.Fatal("value must leave the unverified bag")
	}
}

func TestUpdateLinkSubject(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, _ := s.Create(ctx, repository.CreateAccountInput{Username: "ada"})
	link, err := s.CreateLink(ctx, "idp", "old-sub", a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateLinkSubject(ctx, link.ID, "new-sub"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetLink(ctx, "idp", "new-sub")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != link.ID {
		t.Fatalf("expected same link under new subject, got %+v", got)
	}
	if _, err := s.GetLink(ctx, "idp", "old-sub"); !repository.IsNotFound(err) {
		t.Fatalf("old subject must be gone, got %v", err)
	}
}
