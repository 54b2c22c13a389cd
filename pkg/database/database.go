// Copyright 2024-2026 Aiku AI

// Package database persists room/channel mappings, sent-event correlations,
// puppet token bindings, ghost profiles and the custom emoji cache.
//
// Every lookup that can find zero rows returns a [mo.Option]; callers must
// branch on IsAbsent rather than treat "no rows" like an empty success.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/samber/mo"

	// SQL drivers for the two supported dialects.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL driver.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// ParseDialect validates a configured database type.
func ParseDialect(s string) (Dialect, error) {
	switch Dialect(s) {
	case SQLite, "sqlite3":
		return SQLite, nil
	case Postgres, "postgresql", "pgx":
		return Postgres, nil
	default:
		return "", fmt.Errorf("unsupported database type %q", s)
	}
}

func (d Dialect) driverName() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite"
}

// Database bundles the typed query helpers over one connection pool.
type Database struct {
	DB      *sqlx.DB
	Dialect Dialect
	// Path is the SQLite file, empty for Postgres and in-memory databases.
	Path string

	Room      *RoomQuery
	Event     *EventQuery
	Emoji     *EmojiQuery
	UserToken *UserTokenQuery
	Ghost     *GhostQuery

	log      zerolog.Logger
	upgrades []UpgradeStep
}

// Open connects to the database and verifies the connection. Schema upgrades
// are not applied; call [Database.Upgrade].
func Open(ctx context.Context, dialect Dialect, uri string, log zerolog.Logger) (*Database, error) {
	db, err := sqlx.Open(dialect.driverName(), uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == SQLite {
		// SQLite allows a single writer; in-memory databases are per-connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	wrapped := New(db, dialect, log)
	if dialect == SQLite {
		wrapped.Path = sqliteFilePath(uri)
	}
	return wrapped, nil
}

// New wraps an existing sqlx handle.
func New(db *sqlx.DB, dialect Dialect, log zerolog.Logger) *Database {
	return &Database{
		DB:        db,
		Dialect:   dialect,
		Room:      &RoomQuery{db: db},
		Event:     &EventQuery{db: db},
		Emoji:     &EmojiQuery{db: db},
		UserToken: &UserTokenQuery{db: db},
		Ghost:     &GhostQuery{db: db},
		log:       log.With().Str("component", "database").Logger(),
		upgrades:  upgradeSteps,
	}
}

func (db *Database) Close() error {
	return db.DB.Close()
}

// Transactional is satisfied by both *sqlx.DB and *sqlx.Tx.
type Transactional interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	Rebind(query string) string
}

type txContextKey struct{}

// WithTransaction stores a transaction in the context so that query helpers
// called with that context join it.
func WithTransaction(ctx context.Context, tx *sqlx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

func transactionFromContext(ctx context.Context) (*sqlx.Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(*sqlx.Tx)
	return tx, ok
}

// getTransactional returns the transaction in ctx if there is one, otherwise db.
func getTransactional(ctx context.Context, db *sqlx.DB) Transactional {
	if tx, ok := transactionFromContext(ctx); ok {
		return tx
	}
	return db
}

// doTxn runs fn inside a transaction, reusing one already present in ctx.
func doTxn(ctx context.Context, db *sqlx.DB, fn func(ctx context.Context) error) error {
	if _, ok := transactionFromContext(ctx); ok {
		return fn(ctx)
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(WithTransaction(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %w)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// selectMany runs a multi-row query and maps zero rows to mo.None.
func selectMany[T any](ctx context.Context, db *sqlx.DB, query string, args ...any) (mo.Option[[]*T], error) {
	q := getTransactional(ctx, db)
	var rows []*T
	if err := q.SelectContext(ctx, &rows, q.Rebind(query), args...); err != nil {
		return mo.None[[]*T](), err
	}
	if len(rows) == 0 {
		return mo.None[[]*T](), nil
	}
	return mo.Some(rows), nil
}

// selectOne runs a single-row query and maps sql.ErrNoRows to mo.None.
func selectOne[T any](ctx context.Context, db *sqlx.DB, query string, args ...any) (mo.Option[*T], error) {
	q := getTransactional(ctx, db)
	var row T
	if err := q.GetContext(ctx, &row, q.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mo.None[*T](), nil
		}
		return mo.None[*T](), err
	}
	return mo.Some(&row), nil
}

func exec(ctx context.Context, db *sqlx.DB, query string, args ...any) error {
	q := getTransactional(ctx, db)
	_, err := q.ExecContext(ctx, q.Rebind(query), args...)
	return err
}
