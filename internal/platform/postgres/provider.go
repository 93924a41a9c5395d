package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/config"
)

const (
	defaultConnectTimeout  = 10 * time.Second
	defaultMaxConnLifetime = time.Hour
	defaultTxTimeout       = 15 * time.Second
)

// ErrProviderClosed is returned by RunInTx after Close.
var ErrProviderClosed = errors.New("postgres: provider is closed")

// Querier is the subset of pgx shared by the pool and a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Provider owns the connection pool. It is created once in main and handed to every
// repository; Close releases the pool on shutdown.
type Provider struct {
	pool      *pgxpool.Pool
	txTimeout time.Duration
	closed    atomic.Bool
}

// ProviderOption customises NewProvider.
type ProviderOption func(*providerConfig)

type providerConfig struct {
	connectTimeout time.Duration
	txTimeout      time.Duration
	tune           func(*pgxpool.Config)
}

func WithConnectTimeout(timeout time.Duration) ProviderOption {
	return func(cfg *providerConfig) {
		if timeout > 0 {
			cfg.connectTimeout = timeout
		}
	}
}

// WithTxTimeout bounds every RunInTx call that has no earlier deadline.
func WithTxTimeout(timeout time.Duration) ProviderOption {
	return func(cfg *providerConfig) {
		if timeout > 0 {
			cfg.txTimeout = timeout
		}
	}
}

// WithPoolConfig lets callers adjust the parsed pool config before connecting.
func WithPoolConfig(fn func(*pgxpool.Config)) ProviderOption {
	return func(cfg *providerConfig) { cfg.tune = fn }
}

// NewProvider parses the DSN, connects the pool and verifies it with a ping.
func NewProvider(ctx context.Context, cfg config.DatabaseConfig, opts ...ProviderOption) (*Provider, error) {
	options := providerConfig{connectTimeout: defaultConnectTimeout, txTimeout: defaultTxTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	poolCfg.MaxConnLifetime = defaultMaxConnLifetime
	if options.tune != nil {
		options.tune(poolCfg)
	}

	connectCtx, cancel := context.WithTimeout(ctx, options.connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Provider{pool: pool, txTimeout: options.txTimeout}, nil
}

// Pool exposes the underlying pool.
func (p *Provider) Pool() *pgxpool.Pool { return p.pool }

// Ping is the readiness probe.
func (p *Provider) Ping(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProviderClosed
	}
	return p.pool.Ping(ctx)
}

// Close releases the pool. Safe to call more than once.
func (p *Provider) Close() {
	if p.closed.CompareAndSwap(false, true) {
		p.pool.Close()
	}
}
