// Package state issues and verifies the CSRF state and replay nonce of
// an authorization round trip.
//
// A random seed is drawn per authorization request and a hash chain is
// derived from it: nonce = H(seed || secret), state = H(nonce || secret).
// Only the encoded seed is handed to the browser (cookie); the state
// parameter sent to the provider embeds the derived state id, the
// next URL and an HMAC signature, so no server-side storage is needed
// and verification works across processes. The cookie is deleted after
// one callback attempt, which makes the pair single-use.
package state

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"errors"
	"strings"
)

var (
	// ErrMissingSeed means the browser presented no state cookie.
	ErrMissingSeed = errors.New("state: missing cookie seed")
	// ErrMalformed means the state parameter cannot be parsed.
	ErrMalformed = errors.New("state: malformed state parameter")
	// ErrBadSignature means the embedded signature does not verify.
	ErrBadSignature = errors.New("state: bad signature")
	// ErrMismatch means the state does not match the cookie-derived one.
	ErrMismatch = errors.New("state: state does not derive from cookie seed")
)

const seedLen = 16

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Codec derives and checks state/nonce material against a server secret.
type Codec struct {
	secret []byte
}

// New builds a codec bound to the server secret.
func New(secret []byte) *Codec {
	return &Codec{secret: secret}
}

// Issued is the material produced for one authorization request.
type Issued struct {
	// CookieSeed goes into the browser cookie, nothing else does.
	CookieSeed string
	// State is the value of the outgoing state parameter.
	State string
	// Nonce is bound into the authorization request and checked
	// against the ID token.
	Nonce string
}

// Verified is the outcome of a successful state check.
type Verified struct {
	NextURL string
	// Nonce re-derived from the seed; the ID token must carry it.
	Nonce string
}

// Issue derives state material for one authorization request.
func (c *Codec) Issue(nextURL string) (*Issued, error) {
	seed := make([]byte, seedLen)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	nonce, stateID := c.chain(seed)
	return &Issued{
		CookieSeed: base64.RawURLEncoding.EncodeToString(seed),
		State:      c.encodeState(stateID, nextURL),
		Nonce:      nonce,
	}, nil
}

// Verify checks a callback state parameter against the cookie seed.
// Any missing, malformed or non-matching input fails closed; the caller
// restarts the login rather than proceeding.
func (c *Codec) Verify(receivedState, cookieSeed string) (*Verified, error) {
	if cookieSeed == "" {
		return nil, ErrMissingSeed
	}
	stateID, nextURL, err := c.decodeState(receivedState)
	if err != nil {
		return nil, err
	}
	seed, err := base64.RawURLEncoding.DecodeString(cookieSeed)
	if err != nil || len(seed) != seedLen {
		return nil, ErrMissingSeed
	}
	nonce, wantState := c.chain(seed)
	if subtle.ConstantTimeCompare([]byte(stateID), []byte(wantState)) != 1 {
		return nil, ErrMismatch
	}
	return &Verified{NextURL: nextURL, Nonce: nonce}, nil
}

// chain regenerates the hash chain from a seed.
func (c *Codec) chain(seed []byte) (nonce, stateID string) {
	h1 := sha256.Sum256(append(append([]byte{}, seed...), c.secret...))
	h2 := sha256.Sum256(append(append([]byte{}, h1[:]...), c.secret...))
	return base64.RawURLEncoding.EncodeToString(h1[:]), base64.RawURLEncoding.EncodeToString(h2[:])
}

func (c *Codec) encodeState(stateID, nextURL string) string {
	payload := stateID + " " + nextURL
	return payload + " " + c.sign(payload)
}

func (c *Codec) decodeState(received string) (stateID, nextURL string, err error) {
	idx := strings.LastIndex(received, " ")
	if idx < 0 {
		return "", "", ErrMalformed
	}
	payload, sig := received[:idx], received[idx+1:]
	if !hmacEqual(sig, c.sign(payload)) {
		return "", "", ErrBadSignature
	}
	parts := strings.SplitN(payload, " ", 2)
	if len(parts) != 2 {
		return "", "", ErrMalformed
	}
	return parts[0], parts[1], nil
}

func (c *Codec) sign(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return b32.EncodeToString(mac.Sum(nil))
}

func hmacEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
