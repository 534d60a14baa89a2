package state

import (
	"strings"
	"testing"
)

func TestIssueVerify_RoundTrip(t *testing.T) {
	c := New([]byte("0123456789abcdef0123456789abcdef"))
	iss, err := c.Issue("/after-login")
	if err != nil {
		t.Fatalf("Issue err: %v", err)
	}
	if iss.CookieSeed == "" || iss.State == "" || iss.Nonce == "" {
		t.Fatalf("incomplete issued material: %+v", iss)
	}
	v, err := c.Verify(iss.State, iss.CookieSeed)
	if err != nil {
		t.Fatalf("Verify err: %v", err)
	}
	if v.NextURL != "/after-login" {
		t.Fatalf("next url mismatch: got %q", v.NextURL)
	}
	if v.Nonce != iss.Nonce {
		t.Fatalf("nonce not re-derived: got %q want %q", v.Nonce, iss.Nonce)
	}
}

func TestVerify_MissingCookieSeed(t *testing.T) {
	c := New([]byte("secret"))
	iss, err := c.Issue("/")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Verify(iss.State, ""); err != ErrMissingSeed {
		t.Fatalf("expected ErrMissingSeed, got %v", err)
	}
}

func TestVerify_TamperedState(t *testing.T) {
	c := New([]byte("secret"))
	iss, err := c.Issue("/next")
	if err != nil {
		t.Fatal(err)
	}
	// flip a character inside the signed payload
	tampered := strings.Replace(iss.State, "/next", "/evil", 1)
	if _, err := c.Verify(tampered, iss.CookieSeed); err != ErrBadSignature {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerify_MalformedState(t *testing.T) {
	c := New([]byte("secret"))
	iss, err := c.Issue("/")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Verify("no-spaces-at-all", iss.CookieSeed); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestVerify_SeedStateMismatch(t *testing.T) {
	c := New([]byte("secret"))
	a, err := c.Issue("/")
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Issue("/")
	if err != nil {
		t.Fatal(err)
	}
	// state of one request against the cookie of another
	if _, err := c.Verify(a.State, b.CookieSeed); err != ErrMismatch {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
}

func TestVerify_DifferentSecretRejects(t *testing.T) {
	c1 := New([]byte("secret-one"))
	c2 := New([]byte("secret-two"))
	iss, err := c1.Issue("/")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c2.Verify(iss.State, iss.CookieSeed); err == nil {
		t.Fatal("state signed with another secret must not verify")
	}
}
