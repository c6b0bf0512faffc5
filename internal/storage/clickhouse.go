package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"ghostwall/internal/config"
)

// ClickHouseClient wraps the ClickHouse connection used by the archive.
type ClickHouseClient struct {
	conn   driver.Conn
	sqlDB  *sql.DB
	config config.ClickHouseConfig
}

func clickhouseOptions(cfg config.ClickHouseConfig) *clickhouse.Options {
	return &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}
}

// NewClickHouseClient connects, verifies the connection, and applies the
// archive migrations.
func NewClickHouseClient(ctx context.Context, cfg config.ClickHouseConfig, logger *slog.Logger) (*ClickHouseClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := clickhouseOptions(cfg)

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, WrapConnectionError("Open", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, WrapConnectionError("Ping", err)
	}

	// database/sql view for the migrator
	sqlDB := clickhouse.OpenDB(opts)

	c := &ClickHouseClient{conn: conn, sqlDB: sqlDB, config: cfg}
	if err := NewMigrator(sqlDB, DialectClickHouse, logger).Run(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	logger.Info("clickhouse archive connected", "hosts", cfg.Hosts, "database", cfg.Database)
	return c, nil
}

// Close closes the ClickHouse connection.
func (c *ClickHouseClient) Close() error {
	if c.sqlDB != nil {
		c.sqlDB.Close()
	}
	return c.conn.Close()
}

// Ping checks if the connection is alive.
func (c *ClickHouseClient) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Exec executes a query without returning rows.
func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

// PrepareBatch prepares a batch for insertion.
func (c *ClickHouseClient) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}

// Database returns the database name.
func (c *ClickHouseClient) Database() string {
	return c.config.Database
}
