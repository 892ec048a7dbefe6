package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"

	"github.com/151300/FreeNodes/internal/config"
	"github.com/151300/FreeNodes/internal/launcher"
)

const postgresReporterName = "postgres"

const createRunsTable = `CREATE TABLE IF NOT EXISTS launcher_runs (
	id          BIGSERIAL PRIMARY KEY,
	root        TEXT        NOT NULL,
	status      TEXT        NOT NULL,
	exit_code   INTEGER     NOT NULL,
	installed   BOOLEAN     NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	phases      JSONB       NOT NULL
)`

const insertRun = `INSERT INTO launcher_runs
	(root, status, exit_code, installed, started_at, finished_at, phases)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// dbExecer abstracts the pgxpool.Pool methods used here so that tests can
// inject a fake without standing up a real database.
type dbExecer interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// PostgresReporter records every finished launch in the launcher_runs table.
type PostgresReporter struct {
	cfg     config.PostgresConfig
	cb      *gobreaker.CircuitBreaker
	connect func(ctx context.Context, cfg config.PostgresConfig) (dbExecer, error)
}

// NewPostgresReporter creates a PostgresReporter that opens a pool per call.
// No connection is made at construction time.
func NewPostgresReporter(cfg config.PostgresConfig, cb *gobreaker.CircuitBreaker) *PostgresReporter {
	return &PostgresReporter{
		cfg:     cfg,
		cb:      cb,
		connect: realConnect,
	}
}

// Name identifies the reporter in logs and health output.
func (c *PostgresReporter) Name() string { return postgresReporterName }

// Report creates the table if needed and inserts one row for result.
func (c *PostgresReporter) Report(ctx context.Context, result *launcher.LaunchResult) error {
	phases, err := json.Marshal(result.Phases)
	if err != nil {
		return fmt.Errorf("encoding phases: %w", err)
	}

	_, err = c.cb.Execute(func() (any, error) {
		pool, err := c.connect(ctx, c.cfg)
		if err != nil {
			return nil, err
		}
		defer pool.Close()

		if _, err := pool.Exec(ctx, createRunsTable); err != nil {
			return nil, fmt.Errorf("creating launcher_runs: %w", err)
		}
		if _, err := pool.Exec(ctx, insertRun,
			result.Root,
			result.Status,
			result.ExitCode,
			result.Installed,
			result.StartedAt,
			result.FinishedAt,
			string(phases),
		); err != nil {
			return nil, fmt.Errorf("inserting launch: %w", err)
		}
		return nil, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return fmt.Errorf("circuit open: %w", err)
		}
		return err
	}
	return nil
}

// Probe pings the Postgres server.
func (c *PostgresReporter) Probe(ctx context.Context) launcher.ProbeResult {
	start := time.Now()

	_, err := c.cb.Execute(func() (any, error) {
		pool, err := c.connect(ctx, c.cfg)
		if err != nil {
			return nil, err
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}
		return nil, nil
	})

	return probeResult(postgresReporterName, start, err)
}

// realConnect opens a pgxpool.Pool using the provided PostgresConfig.
func realConnect(ctx context.Context, cfg config.PostgresConfig) (dbExecer, error) {
	poolCfg, err := pgxpool.ParseConfig(postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}

	return pool, nil
}

// postgresDSN builds a URL DSN with the credentials escaped.
func postgresDSN(cfg config.PostgresConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.DB,
		RawQuery: url.Values{"sslmode": {cfg.SSLMode}}.Encode(),
	}
	return u.String()
}
