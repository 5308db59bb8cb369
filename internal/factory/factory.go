// Package factory composes a Bus from configuration, selecting the
// in-process or Redis transport as directed by config.Config.
package factory

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"fulcrum/messagebus/internal/codec"
	"fulcrum/messagebus/internal/config"
	"fulcrum/messagebus/internal/logging"
	"fulcrum/messagebus/internal/messagebus"
	"fulcrum/messagebus/internal/metrics"
	"fulcrum/messagebus/internal/transport/inprocess"
	"fulcrum/messagebus/internal/transport/redistransport"
)

// ErrConfigurationInvalid indicates cfg names a transport kind the factory
// does not know how to construct.
var ErrConfigurationInvalid = errors.New("factory: invalid transport configuration")

// Build assembles a *messagebus.Bus per cfg: development mode or an
// "in-memory" transport selects the in-process transport; "redis" validates
// connection settings and builds a Redis-backed transport.
func Build(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*messagebus.Bus, error) {
	metricsRegistry := metrics.Default()
	codecRegistry := codec.NewRegistry()

	switch cfg.EffectiveTransport() {
	case config.TransportInMemory:
		tport := inprocess.New(cfg.ServerID, inprocess.Default, logger)
		return messagebus.New(cfg.ServerID, codecRegistry, tport, logger,
			messagebus.WithRequestTimeout(cfg.RequestTimeout),
			messagebus.WithMetrics(metricsRegistry),
		), nil

	case config.TransportRedis:
		if cfg.Redis.Host == "" || cfg.Redis.Port == 0 {
			return nil, fmt.Errorf("%w: redis host and port must be configured", ErrConfigurationInvalid)
		}
		client := redis.NewClient(&redis.Options{
			Addr:        fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			DB:          cfg.Redis.Database,
			Password:    cfg.Redis.Password,
			DialTimeout: cfg.Redis.ConnectionTimeout,
			PoolSize:    cfg.Redis.MaxConnections,
		})

		connectCtx, cancel := context.WithTimeout(ctx, cfg.Redis.ConnectionTimeout)
		defer cancel()
		if err := client.Ping(connectCtx).Err(); err != nil {
			return nil, fmt.Errorf("factory: connect to redis: %w", err)
		}

		tport, err := redistransport.New(ctx, cfg.ServerID, client, true, logger,
			redistransport.WithMetrics(metricsRegistry),
		)
		if err != nil {
			return nil, fmt.Errorf("factory: build redis transport: %w", err)
		}
		return messagebus.New(cfg.ServerID, codecRegistry, tport, logger,
			messagebus.WithRequestTimeout(cfg.RequestTimeout),
			messagebus.WithMetrics(metricsRegistry),
		), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrConfigurationInvalid, cfg.Transport)
	}
}
