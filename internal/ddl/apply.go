package ddl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Apply executes the rendered statements in order. Statements are expected
// to be idempotent (create ... if not exists); duplicate-object errors from
// postgres (42710) are skipped so re-applies stay clean.
func Apply(ctx context.Context, db *sql.DB, stmts []string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	for _, stmt := range stmts {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "42710" {
				continue
			}
			e := strings.ToLower(err.Error())
			if strings.Contains(e, "already exists") || strings.Contains(e, "duplicate") {
				continue
			}
			return fmt.Errorf("ddl apply failed: %w", err)
		}
	}
	return nil
}
