package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/LoganSeven/publik-famille-demo-sub018/internal/audit"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/metrics"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/observability/logger"
)

// Refresher updates provider key sets from their jwks_uri. The refresh
// is fetch-compare-replace and idempotent; key-id set changes are
// journaled. Concurrent refreshes of the same provider are deduplicated.
type Refresher struct {
	source   Source
	registry *Registry
	journal  audit.Journal
	client   *http.Client
	group    singleflight.Group
}

// NewRefresher builds a JWKS refresher.
func NewRefresher(source Source, registry *Registry, journal audit.Journal, client *http.Client) *Refresher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if journal == nil {
		journal = audit.Nop()
	}
	return &Refresher{
		source:   source,
		registry: registry,
		journal:  journal,
		client:   client,
	}
}

// Refresh updates one provider's key set. Providers without a
// jwks_uri (HMAC) are skipped.
func (r *Refresher) Refresh(ctx context.Context, cfg *Config) error {
	if cfg.JWKSetURL == "" {
		return nil
	}
	_, err, _ := r.group.Do(cfg.ID, func() (any, error) {
		return nil, r.refresh(ctx, cfg)
	})
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.JWKSRefreshes.WithLabelValues(cfg.ID, result).Inc()
	return err
}

func (r *Refresher) refresh(ctx context.Context, cfg *Config) error {
	log := logger.From(ctx).With(logger.Component("provider.refresher"), logger.Provider(cfg.ID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.JWKSetURL, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("JWKSet URL is unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("JWKSet URL returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	newSet, err := ParseJWKSet(body)
	if err != nil {
		return err
	}

	if cfg.JWKSet != nil && SameKeyIDs(cfg.JWKSet, newSet) {
		log.Debug("key set unchanged")
		return nil
	}

	if err := r.source.UpdateJWKSet(ctx, cfg.ID, newSet); err != nil {
		return err
	}
	if r.registry != nil {
		r.registry.Invalidate(cfg)
	}
	r.journal.Record(ctx, audit.EventKeysetChange, map[string]any{
		"provider":   cfg.ID,
		"old_keyset": cfg.JWKSet.KeyIDs(),
		"new_keyset": newSet.KeyIDs(),
	})
	log.Info("key set replaced",
		logger.Count(len(newSet.Keys)),
	)
	return nil
}

// RefreshAll updates every provider with a jwks_uri. Errors are logged
// per provider and the first one is returned.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	providers, err := r.source.All(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for i := range providers {
		if err := r.Refresh(ctx, &providers[i]); err != nil {
			logger.From(ctx).Warn("jwks refresh failed",
				logger.Provider(providers[i].ID),
				logger.Err(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run refreshes all key sets on a fixed interval until the context is
// canceled.
func (r *Refresher) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Hour
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = r.RefreshAll(ctx)
		}
	}
}
