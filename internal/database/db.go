// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package database provides the embedded SQLite layer.
//
// SQLite allows a single writer at a time. All write queries are routed
// through one dedicated connection owned by a writer goroutine; reads go
// through the regular connection pool. Migrations are embedded and applied
// on a locked-down single-connection pool before the writer starts, so the
// recovery sweep always observes the final schema.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	defaultBusyTimeout       = 5 * time.Second
	defaultBusyTimeoutMillis = int(defaultBusyTimeout / time.Millisecond)
	connectionSetupTimeout   = 5 * time.Second
	writeChannelBuffer       = 256
)

type writeReq struct {
	ctx   context.Context
	query string
	args  []any
	resCh chan writeRes
}

type writeRes struct {
	result sql.Result
	err    error
}

// DB wraps the SQLite handle with single-writer discipline.
type DB struct {
	conn      *sql.DB   // connection pool for reads
	writeConn *sql.Conn // dedicated connection for all writes
	writeCh   chan writeReq

	stop      chan struct{}
	closeOnce sync.Once
	writerWG  sync.WaitGroup
	closing   atomic.Bool
	closeErr  error
}

var driverInit sync.Once

func registerConnectionHook() {
	driverInit.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, dsn string) error {
			ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
			defer cancel()

			return applyConnectionPragmas(ctx, func(ctx context.Context, stmt string) error {
				if _, err := conn.ExecContext(ctx, stmt, nil); err != nil {
					return fmt.Errorf("connection hook exec %q: %w", stmt, err)
				}
				return nil
			})
		})
	})
}

type pragmaExecFn func(ctx context.Context, stmt string) error

func applyConnectionPragmas(ctx context.Context, exec pragmaExecFn) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeoutMillis),
	}

	for _, pragma := range pragmas {
		if err := exec(ctx, pragma); err != nil {
			return fmt.Errorf("apply connection pragma %q: %w", pragma, err)
		}
	}

	return nil
}

// New opens (creating if necessary) the database at databasePath, applies
// pending migrations, and starts the writer goroutine.
func New(databasePath string) (*DB, error) {
	log.Info().Str("path", databasePath).Msg("[DB] Initializing database")

	dir := filepath.Dir(databasePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %s: %w", dir, err)
	}

	registerConnectionHook()

	conn, err := sql.Open("sqlite", databasePath)
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", databasePath, err)
	}

	// Single connection during migrations so schema changes are never
	// observed half-applied by a second pooled connection.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
	defer cancel()
	if err := applyConnectionPragmas(ctx, func(ctx context.Context, stmt string) error {
		_, execErr := conn.ExecContext(ctx, stmt)
		return execErr
	}); err != nil {
		conn.Close()
		return nil, err
	}

	db := &DB{
		conn:    conn,
		writeCh: make(chan writeReq, writeChannelBuffer),
		stop:    make(chan struct{}),
	}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	conn.SetMaxOpenConns(0)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(0)

	writeCtx, cancelWrite := context.WithTimeout(context.Background(), connectionSetupTimeout)
	defer cancelWrite()
	writeConn, err := conn.Conn(writeCtx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquire write connection: %w", err)
	}
	db.writeConn = writeConn

	db.writerWG.Add(1)
	go db.writerLoop()

	log.Info().Str("path", databasePath).Msg("[DB] Database ready")
	return db, nil
}

// isWriteQuery determines whether a query must be serialized through the
// writer goroutine.
func isWriteQuery(query string) bool {
	q := strings.TrimLeftFunc(query, unicode.IsSpace)
	if q == "" {
		return false
	}
	upper := strings.ToUpper(q)
	return strings.HasPrefix(upper, "INSERT") ||
		strings.HasPrefix(upper, "UPDATE") ||
		strings.HasPrefix(upper, "REPLACE") ||
		strings.HasPrefix(upper, "DELETE")
}

// ExecContext routes write queries through the single writer goroutine.
// Do not use this for queries with RETURNING clauses; use QueryRowContext.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if !isWriteQuery(query) {
		return db.conn.ExecContext(ctx, query, args...)
	}

	if db.closing.Load() {
		return nil, fmt.Errorf("db stopping")
	}

	resCh := make(chan writeRes, 1)
	req := writeReq{ctx: ctx, query: query, args: args, resCh: resCh}
	select {
	case db.writeCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-db.stop:
		return nil, fmt.Errorf("db stopping")
	}

	res := <-resCh
	return res.result, res.err
}

// QueryContext runs a read query on the pool.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row read query on the pool.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction on the pool. Keep transactions short; the
// busy_timeout pragma absorbs contention with the writer.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return db.conn.BeginTx(ctx, opts)
}

func (db *DB) writerLoop() {
	defer db.writerWG.Done()

	for {
		select {
		case req := <-db.writeCh:
			db.processWrite(req)
		case <-db.stop:
			// drain anything already queued before exiting
			for {
				select {
				case req := <-db.writeCh:
					db.processWrite(req)
				default:
					return
				}
			}
		}
	}
}

func (db *DB) processWrite(req writeReq) {
	res, err := db.writeConn.ExecContext(req.ctx, req.query, req.args...)
	select {
	case req.resCh <- writeRes{result: res, err: err}:
	default:
	}
}

// Close flushes pending writes and closes both connections.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
		defer cancel()
		if _, err := db.conn.ExecContext(ctx, "PRAGMA optimize"); err != nil {
			log.Warn().Err(err).Msg("[DB] PRAGMA optimize failed during close")
		}

		db.closing.Store(true)
		close(db.stop)
		db.writerWG.Wait()

		if db.writeConn != nil {
			if err := db.writeConn.Close(); err != nil {
				log.Warn().Err(err).Msg("[DB] Failed to close write connection")
			}
		}

		db.closeErr = db.conn.Close()
	})

	return db.closeErr
}

// Conn exposes the raw pool for tests.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

func (db *DB) migrate() error {
	ctx := context.Background()

	if _, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".sql" {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	var pending []string
	for _, filename := range files {
		var count int
		if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", filename).Scan(&count); err != nil {
			return fmt.Errorf("check migration status for %s: %w", filename, err)
		}
		if count == 0 {
			pending = append(pending, filename)
		}
	}

	if len(pending) == 0 {
		log.Debug().Msg("[DB] No pending migrations")
		return nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, filename := range pending {
		content, err := migrationsFS.ReadFile("migrations/" + filename)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", filename, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", filename, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", filename); err != nil {
			return fmt.Errorf("record migration %s: %w", filename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}

	log.Info().Int("count", len(pending)).Msg("[DB] Applied migrations")
	return nil
}
