package eventsink

import (
	"context"

	"github.com/matst80/httpstunnel/internal/config"
	"github.com/matst80/httpstunnel/internal/obs"
)

// FromConfig returns a Redis sink, or nil when no Redis address is configured.
func FromConfig(ctx context.Context, cfg config.RedisConfig, role, instance string) (*Sink, error) {
	if cfg.Addr == "" {
		obs.Debug("eventsink.disabled", obs.Fields{"role": role})
		return nil, nil
	}
	return NewRedis(ctx, Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		Channel:  cfg.Channel,
		Role:     role,
		Instance: instance,
	})
}
