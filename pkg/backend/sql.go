package backend

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/ethpandaops/querybenchoor/pkg/model"
	"github.com/sirupsen/logrus"
)

// DefaultPingTimeout bounds Ping when no timeout is configured.
const DefaultPingTimeout = 10 * time.Second

// Config describes a database/sql backed platform.
type Config struct {
	Platform     model.Platform
	Name         string
	Driver       string
	DSN          string
	MaxOpenConns int
	PingTimeout  time.Duration
}

type sqlBackend struct {
	log logrus.FieldLogger
	cfg *Config
	db  *sql.DB
}

var _ Backend = (*sqlBackend)(nil)

// NewSQLBackend opens a database/sql pool for the configured driver.
func NewSQLBackend(log logrus.FieldLogger, cfg *Config) (Backend, error) {
	if !slices.Contains(sql.Drivers(), cfg.Driver) {
		return nil, fmt.Errorf("unsupported driver %q (available: %v)", cfg.Driver, sql.Drivers())
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cfg.Driver, err)
	}

	return NewSQLBackendFromDB(log, cfg, db), nil
}

// NewSQLBackendFromDB wraps an existing pool.
func NewSQLBackendFromDB(log logrus.FieldLogger, cfg *Config, db *sql.DB) Backend {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}

	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}

	return &sqlBackend{
		log: log.WithFields(logrus.Fields{
			"component": "backend",
			"platform":  cfg.Platform,
			"driver":    cfg.Driver,
		}),
		cfg: cfg,
		db:  db,
	}
}

func (b *sqlBackend) Platform() model.Platform { return b.cfg.Platform }

func (b *sqlBackend) Name() string {
	if b.cfg.Name != "" {
		return b.cfg.Name
	}

	return string(b.cfg.Platform)
}

func (b *sqlBackend) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.PingTimeout)
	defer cancel()

	if err := b.db.PingContext(ctx); err != nil {
		return &ConnectionError{Platform: b.cfg.Platform, Err: err}
	}

	return nil
}

func (b *sqlBackend) Acquire(ctx context.Context) (Handle, error) {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return nil, &ConnectionError{Platform: b.cfg.Platform, Err: err}
	}

	return &sqlHandle{conn: conn}, nil
}

func (b *sqlBackend) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("closing %s pool: %w", b.cfg.Driver, err)
	}

	b.log.Debug("Backend closed")

	return nil
}

// sqlHandle owns one pooled connection for its lifetime.
type sqlHandle struct {
	conn *sql.Conn
}

var _ Handle = (*sqlHandle)(nil)

func (h *sqlHandle) Execute(
	ctx context.Context,
	query string,
	timeout time.Duration,
) (int64, time.Duration, error) {
	if timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()

	rows, err := h.conn.QueryContext(ctx, query)
	if err != nil {
		return 0, time.Since(start), classify(ctx, err)
	}

	defer func() { _ = rows.Close() }()

	var count int64

	for {
		for rows.Next() {
			count++
		}

		if !rows.NextResultSet() {
			break
		}
	}

	if err := rows.Err(); err != nil {
		return count, time.Since(start), classify(ctx, err)
	}

	return count, time.Since(start), nil
}

func (h *sqlHandle) Close() error {
	return h.conn.Close()
}
