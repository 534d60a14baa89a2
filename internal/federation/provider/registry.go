package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

var (
	// ErrUnknownProvider is returned for an id with no configuration.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrUnknownIssuer is returned for an issuer with no configuration.
	ErrUnknownIssuer = errors.New("unknown issuer")
)

// Source is the persistent backing of provider configurations.
type Source interface {
	ByID(ctx context.Context, id string) (*Config, error)
	ByIssuer(ctx context.Context, issuer string) (*Config, error)
	All(ctx context.Context) ([]Config, error)

	// UpdateJWKSet replaces the stored key set of a provider. Used by
	// the JWKS refresher; must be idempotent.
	UpdateJWKSet(ctx context.Context, id string, set *JWKSet) error
}

// Registry resolves provider configurations with a short-lived
// process cache in front of the source, so per-request lookups do not
// hit the backing store.
type Registry struct {
	source Source
	cache  *gocache.Cache
}

const registryTTL = 5 * time.Second

// NewRegistry builds a registry over a source.
func NewRegistry(source Source) *Registry {
	return &Registry{
		source: source,
		cache:  gocache.New(registryTTL, time.Minute),
	}
}

// ByID resolves a provider by id.
func (r *Registry) ByID(ctx context.Context, id string) (*Config, error) {
	if v, ok := r.cache.Get("id:" + id); ok {
		cfg := v.(Config)
		return &cfg, nil
	}
	cfg, err := r.source.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache.Set("id:"+id, *cfg, gocache.DefaultExpiration)
	return cfg, nil
}

// ByIssuer resolves a provider by its issuer URL.
func (r *Registry) ByIssuer(ctx context.Context, issuer string) (*Config, error) {
	if v, ok := r.cache.Get("iss:" + issuer); ok {
		cfg := v.(Config)
		return &cfg, nil
	}
	cfg, err := r.source.ByIssuer(ctx, issuer)
	if err != nil {
		return nil, err
	}
	r.cache.Set("iss:"+issuer, *cfg, gocache.DefaultExpiration)
	return cfg, nil
}

// Invalidate drops cached entries for a provider after a JWKS refresh
// or an admin edit.
func (r *Registry) Invalidate(cfg *Config) {
	r.cache.Delete("id:" + cfg.ID)
	r.cache.Delete("iss:" + cfg.Issuer)
}

// StaticSource is a Source over a fixed list of providers, loaded from
// the configuration file. JWKS refreshes mutate the in-memory copy.
type StaticSource struct {
	mu        sync.RWMutex
	byID      map[string]*Config
	byIssuer  map[string]*Config
	providers []Config
}

// NewStaticSource validates and indexes the given providers.
func NewStaticSource(providers []Config) (*StaticSource, error) {
	s := &StaticSource{
		byID:     make(map[string]*Config),
		byIssuer: make(map[string]*Config),
	}
	for i := range providers {
		cfg := providers[i]
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("provider %q: %w", cfg.ID, err)
		}
		if _, dup := s.byID[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate provider id %q", cfg.ID)
		}
		// issuers are indexed without a trailing slash so an iss hint
		// matches whichever form was configured
		issKey := strings.TrimRight(cfg.Issuer, "/")
		if issKey != "" {
			if _, dup := s.byIssuer[issKey]; dup {
				return nil, fmt.Errorf("duplicate issuer %q", cfg.Issuer)
			}
		}
		s.providers = append(s.providers, cfg)
		stored := &s.providers[len(s.providers)-1]
		s.byID[cfg.ID] = stored
		if issKey != "" {
			s.byIssuer[issKey] = stored
		}
	}
	return s, nil
}

func (s *StaticSource) ByID(ctx context.Context, id string) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	out := *cfg
	return &out, nil
}

func (s *StaticSource) ByIssuer(ctx context.Context, issuer string) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.byIssuer[strings.TrimRight(issuer, "/")]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIssuer, issuer)
	}
	out := *cfg
	return &out, nil
}

func (s *StaticSource) All(ctx context.Context) ([]Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Config, len(s.providers))
	copy(out, s.providers)
	return out, nil
}

func (s *StaticSource) UpdateJWKSet(ctx context.Context, id string, set *JWKSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	cfg.JWKSet = set
	return nil
}
