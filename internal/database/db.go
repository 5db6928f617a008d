// internal/database/db.go
package database

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

//go:embed schema.sql
var schema string

// Querier is the part of pgx shared by a pool and a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB owns the connection pool of the user/account and match database.
type DB struct {
	pool *pgxpool.Pool
	log  logrus.FieldLogger
}

// Connect opens a pool on connString and pings it.
func Connect(ctx context.Context, connString string, log logrus.FieldLogger) (*DB, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pgx config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	log = log.WithField("component", "database")
	log.WithFields(logrus.Fields{
		"host":     config.ConnConfig.Host,
		"database": config.ConnConfig.Database,
	}).Info("connected to database")
	return &DB{pool: pool, log: log}, nil
}

func (d *DB) Close() { d.pool.Close() }

// Pool exposes the pool for health checks.
func (d *DB) Pool() *pgxpool.Pool { return d.pool }

// Migrate creates the tables read by the directory and the allocator when
// they are missing.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Directory returns the user directory backed by this database.
func (d *DB) Directory() *UserDirectory {
	return NewUserDirectory(d.pool)
}

// Allocator returns the match allocator backed by this database.
func (d *DB) Allocator(matchesPerServer int) *MatchAllocator {
	return NewMatchAllocator(d.pool, matchesPerServer, d.log)
}
