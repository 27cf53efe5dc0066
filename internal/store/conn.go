// Package store is the storage handle of the CRUD engine: thin
// select/insert/update/delete builders over database/sql with
// dialect-correct placeholder rendering.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite

	"opaca/internal/ddl"
)

// DB wraps a sql.DB together with the dialect its SQL is rendered for.
type DB struct {
	sql     *sql.DB
	dialect ddl.Dialect
}

// Open connects and pings the database for the dialect.
func Open(d ddl.Dialect, url string) (*DB, error) {
	driver := "pgx"
	if d == ddl.SQLite {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, url)
	if err != nil {
		return nil, err
	}
	if d == ddl.SQLite {
		// the embedded store is single-writer; one connection avoids
		// SQLITE_BUSY under concurrent requests
		db.SetMaxOpenConns(1)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{sql: db, dialect: d}, nil
}

// Wrap adopts an already-open sql.DB (used by tests and by hosting
// applications that manage their own pool).
func Wrap(db *sql.DB, d ddl.Dialect) *DB {
	return &DB{sql: db, dialect: d}
}

// Dialect reports the dialect the handle renders SQL for.
func (db *DB) Dialect() ddl.Dialect { return db.dialect }

// SQL exposes the underlying pool (DDL apply needs it).
func (db *DB) SQL() *sql.DB { return db.sql }

// Close closes the underlying pool.
func (db *DB) Close() error { return db.sql.Close() }

// Table returns a builder root over a physical table name.
func (db *DB) Table(name string) *TableRef {
	return &TableRef{db: db, name: name}
}
