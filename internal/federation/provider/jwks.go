package provider

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// JWK is one JSON Web Key, restricted to the fields needed to verify
// ID-token signatures.
type JWK struct {
	Kty string `json:"kty"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`

	// RSA
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// EC
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// JWKSet is a provider's key set.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// ParseJWKSet decodes a JWKS document.
func ParseJWKSet(data []byte) (*JWKSet, error) {
	var set JWKSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("invalid JWKSet document: %w", err)
	}
	if len(set.Keys) == 0 {
		return nil, errors.New("empty JWKSet document")
	}
	return &set, nil
}

// KeyIDs returns the sorted set of key ids, for change journaling.
func (s *JWKSet) KeyIDs() []string {
	if s == nil {
		return nil
	}
	var kids []string
	for _, k := range s.Keys {
		if k.Kid != "" {
			kids = append(kids, k.Kid)
		}
	}
	sort.Strings(kids)
	return kids
}

// SameKeyIDs reports whether two key sets expose the same kid set.
func SameKeyIDs(a, b *JWKSet) bool {
	ka, kb := a.KeyIDs(), b.KeyIDs()
	if len(ka) != len(kb) {
		return false
	}
	for i := range ka {
		if ka[i] != kb[i] {
			return false
		}
	}
	return true
}

// PublicKeys returns the verification keys of a family ("RSA" or "EC"),
// keyed by kid. Keys without a kid map to the empty string; the last
// one wins, matching how providers without key rotation publish a
// single anonymous key.
func (s *JWKSet) PublicKeys(kty string) (map[string]crypto.PublicKey, error) {
	out := map[string]crypto.PublicKey{}
	for _, k := range s.Keys {
		if !strings.EqualFold(k.Kty, kty) {
			continue
		}
		var (
			pub crypto.PublicKey
			err error
		)
		switch strings.ToUpper(kty) {
		case "RSA":
			pub, err = k.rsaKey()
		case "EC":
			pub, err = k.ecKey()
		default:
			return nil, fmt.Errorf("unsupported key type %q", kty)
		}
		if err != nil {
			return nil, err
		}
		out[k.Kid] = pub
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("JWKSet contains no %s key", kty)
	}
	return out, nil
}

func (k JWK) rsaKey() (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("jwk %q: bad modulus: %w", k.Kid, err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("jwk %q: bad exponent: %w", k.Kid, err)
	}
	e := 0
	if len(eb) == 0 {
		e = 65537
	} else {
		for _, b := range eb {
			e = (e << 8) | int(b)
		}
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

func (k JWK) ecKey() (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch k.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("jwk %q: unsupported curve %q", k.Kid, k.Crv)
	}
	xb, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("jwk %q: bad x coordinate: %w", k.Kid, err)
	}
	yb, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("jwk %q: bad y coordinate: %w", k.Kid, err)
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xb),
		Y:     new(big.Int).SetBytes(yb),
	}, nil
}
