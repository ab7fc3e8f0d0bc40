package secrets

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Checker-Finance/sync-coordinator/pkg/model"
	pkgsecrets "github.com/Checker-Finance/sync-coordinator/pkg/secrets"
)

// PlatformConfig is the connection material for one platform.
type PlatformConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
}

// Resolver resolves per-platform configuration from a secrets provider, caching results.
// Without a provider, or when a secret cannot be read, the env fallback is used.
//
// Secret naming convention: {env}/{service}/{platform}
type Resolver struct {
	logger   *zap.Logger
	env      string
	service  string
	provider pkgsecrets.Provider
	cache    *pkgsecrets.Cache[PlatformConfig]
	fallback func(model.Platform) PlatformConfig
}

// NewResolver constructs a resolver. provider may be nil.
func NewResolver(
	logger *zap.Logger,
	env, service string,
	provider pkgsecrets.Provider,
	cache *pkgsecrets.Cache[PlatformConfig],
	fallback func(model.Platform) PlatformConfig,
) *Resolver {
	return &Resolver{
		logger:   logger,
		env:      env,
		service:  service,
		provider: provider,
		cache:    cache,
		fallback: fallback,
	}
}

// SecretName builds the Secrets Manager name for a platform.
func (r *Resolver) SecretName(p model.Platform) string {
	return strings.ToLower(fmt.Sprintf("%s/%s/%s", r.env, r.service, p))
}

// Resolve returns the configuration for p.
func (r *Resolver) Resolve(ctx context.Context, p model.Platform) (PlatformConfig, error) {
	key := string(p)
	if cfg, ok := r.cache.Get(key); ok {
		return cfg, nil
	}

	if r.provider == nil {
		return r.useFallback(p, nil)
	}

	name := r.SecretName(p)
	raw, err := r.provider.GetSecret(ctx, name)
	if err != nil {
		r.logger.Warn("secrets.platform_fetch_failed",
			zap.String("secret", name),
			zap.Error(err))
		return r.useFallback(p, err)
	}

	cfg, err := parsePlatformSecret(raw)
	if err != nil {
		return PlatformConfig{}, fmt.Errorf("parse secret %q: %w", name, err)
	}

	r.cache.Put(key, cfg)
	r.logger.Info("secrets.platform_config_resolved",
		zap.String("platform", key),
		zap.String("base_url", cfg.BaseURL))
	return cfg, nil
}

// WebhookSecret returns the signing secret for p, or "" when none is configured.
func (r *Resolver) WebhookSecret(ctx context.Context, p model.Platform) string {
	cfg, err := r.Resolve(ctx, p)
	if err != nil {
		return ""
	}
	return cfg.WebhookSecret
}

// Rotate drops the cached configuration so the next call re-reads the provider.
func (r *Resolver) Rotate(p model.Platform) {
	r.cache.Bust(string(p))
}

func (r *Resolver) useFallback(p model.Platform, cause error) (PlatformConfig, error) {
	if r.fallback != nil {
		if cfg := r.fallback(p); cfg.BaseURL != "" {
			return cfg, nil
		}
	}
	if cause != nil {
		return PlatformConfig{}, fmt.Errorf("resolve %s config: %w", p, cause)
	}
	return PlatformConfig{}, fmt.Errorf("resolve %s config: no base url configured", p)
}

func parsePlatformSecret(raw map[string]string) (PlatformConfig, error) {
	cfg := PlatformConfig{
		BaseURL:       strings.TrimRight(raw["base_url"], "/"),
		APIKey:        raw["api_key"],
		WebhookSecret: raw["webhook_secret"],
	}
	if cfg.BaseURL == "" {
		return PlatformConfig{}, fmt.Errorf("base_url is required")
	}
	return cfg, nil
}
