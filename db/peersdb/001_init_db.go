package peersdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE peers (
			ctxid      TEXT PRIMARY KEY NOT NULL,
			endpoint   TEXT NOT NULL,
			router     INTEGER NOT NULL DEFAULT 0,
			first_seen INTEGER NOT NULL,
			last_seen  INTEGER NOT NULL,
			last_exit  TEXT NOT NULL DEFAULT ''
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return fmt.Errorf("create peers table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX peers_last_seen_idx ON peers(last_seen)`); err != nil {
		return fmt.Errorf("create peers index: %w", err)
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP INDEX peers_last_seen_idx`); err != nil {
		return fmt.Errorf("drop peers_last_seen_idx index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE peers`); err != nil {
		return fmt.Errorf("drop peers table: %w", err)
	}
	return nil
}
