package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/l2indexer/node/pkg/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Client is a pooled Postgres connection plus the migration runner, wiring
// spec §1's "on-disk database driver" collaborator via github.com/lib/pq.
type Client struct {
	db     *sql.DB
	logger *log.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient opens a connection pool against cfg.DatabaseURL and verifies
// connectivity.
func NewClient(cfg *config.ConsensusConfig, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL cannot be empty")
	}

	c := &Client{logger: log.New(log.Writer(), "[storage] ", log.LstdFlags)}
	for _, opt := range opts {
		opt(c)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DatabaseMaxConns)
	db.SetMaxIdleConns(cfg.DatabaseMinConns)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c.db = db
	c.logger.Printf("connected to storage (max_conns=%d, min_conns=%d)", cfg.DatabaseMaxConns, cfg.DatabaseMinConns)
	return c, nil
}

// DB exposes the underlying *sql.DB for repositories.
func (c *Client) DB() *sql.DB { return c.db }

// Close closes the pool.
func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Migrate applies every embedded migration in filename order, inside a
// single transaction, matching the teacher's embed-based migration runner.
func (c *Client) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, name := range names {
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
		c.logger.Printf("applied migration %s", name)
	}

	return tx.Commit()
}

// HealthStatus reports Postgres connectivity, matching the teacher's
// database.HealthStatus shape.
type HealthStatus struct {
	Healthy   bool
	Error     string
	CheckedAt time.Time
}

// Health pings the database and reports its status.
func (c *Client) Health(ctx context.Context) *HealthStatus {
	status := &HealthStatus{CheckedAt: time.Now()}
	if err := c.db.PingContext(ctx); err != nil {
		status.Error = err.Error()
		return status
	}
	status.Healthy = true
	return status
}
