package transport

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/asymetry-ai/asymetry-sdk/config"
	"github.com/asymetry-ai/asymetry-sdk/internal/tlsutil"
	"github.com/asymetry-ai/asymetry-sdk/transport/collector"
	"github.com/asymetry-ai/asymetry-sdk/transport/otlp"
	"github.com/asymetry-ai/asymetry-sdk/transport/redisstream"
	"github.com/asymetry-ai/asymetry-sdk/transport/sqlstore"
)

// New builds the transport selected by cfg.Transport.Type.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tc := cfg.Transport
	if tc.Type != config.TransportMulti {
		return newTarget(ctx, tc.Type, cfg, logger)
	}

	if len(tc.Targets) == 0 {
		return nil, fmt.Errorf("transport: multi requires targets")
	}
	targets := make([]Transport, 0, len(tc.Targets))
	for _, name := range tc.Targets {
		if name == config.TransportMulti {
			return nil, closeAll(ctx, targets, fmt.Errorf("transport: multi cannot nest"))
		}
		t, err := newTarget(ctx, name, cfg, logger)
		if err != nil {
			return nil, closeAll(ctx, targets, err)
		}
		targets = append(targets, t)
	}
	return NewMulti(targets...), nil
}

func newTarget(ctx context.Context, typ string, cfg *config.Config, logger *zap.Logger) (Transport, error) {
	tc := cfg.Transport
	switch typ {
	case config.TransportNoop:
		return Noop, nil
	case config.TransportLog, "":
		return NewLog(logger), nil
	case config.TransportCollector:
		return collector.New(collector.Config{
			Endpoint:       tc.Collector.Endpoint,
			APIKey:         tc.Collector.APIKey,
			Codec:          tc.Collector.Codec,
			Compression:    tc.Collector.Compression,
			Timeout:        tc.Collector.Timeout,
			ServiceName:    cfg.ServiceName,
			ServiceVersion: cfg.ServiceVersion,
			TLS: tlsutil.Options{
				CAFile:              tc.Collector.CAFile,
				InsecureSkipVerify:  tc.Collector.InsecureSkipVerify,
				MaxIdleConnsPerHost: tc.Collector.MaxIdleConns,
			},
		}, logger)
	case config.TransportOTLP:
		return otlp.New(ctx, otlp.Config{
			Endpoint:       tc.OTLP.Endpoint,
			Insecure:       tc.OTLP.Insecure,
			Headers:        tc.OTLP.Headers,
			Timeout:        tc.OTLP.Timeout,
			ServiceName:    cfg.ServiceName,
			ServiceVersion: cfg.ServiceVersion,
		}, logger)
	case config.TransportRedis:
		return redisstream.New(redisstream.Config{
			Addr:     tc.Redis.Addr,
			Password: tc.Redis.Password,
			DB:       tc.Redis.DB,
			PoolSize: tc.Redis.PoolSize,
			Stream:   tc.Redis.Stream,
			MaxLen:   tc.Redis.MaxLen,
		}, logger), nil
	case config.TransportSQL:
		return sqlstore.New(sqlstore.Config{
			Driver:       tc.SQL.Driver,
			DSN:          tc.SQL.ConnString(),
			AutoMigrate:  tc.SQL.AutoMigrate,
			MaxOpenConns: tc.SQL.MaxOpenConns,
		}, logger)
	default:
		return nil, fmt.Errorf("transport: unknown type %q", typ)
	}
}

func closeAll(ctx context.Context, targets []Transport, err error) error {
	errs := []error{err}
	for _, t := range targets {
		errs = append(errs, Close(ctx, t))
	}
	return errors.Join(errs...)
}
