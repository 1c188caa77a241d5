// Package postgres provides a PostgreSQL-backed [memory.Store].
//
// Preferences live in one row per (client, key). Customer context is a jsonb
// document per (agent, client) that is merged in place with the jsonb ||
// operator, so concurrent sessions of the same caller never clobber each
// other's facts. The turn log is append-only.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlPreferences = `
CREATE TABLE IF NOT EXISTS voice_preferences (
    client_id   TEXT         NOT NULL,
    key         TEXT         NOT NULL,
    value       TEXT         NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (client_id, key)
);
`

const ddlCustomerContexts = `
CREATE TABLE IF NOT EXISTS customer_contexts (
    agent_id    TEXT         NOT NULL,
    client_id   TEXT         NOT NULL,
    data        JSONB        NOT NULL DEFAULT '{}',
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (agent_id, client_id)
);
`

const ddlSessionTurns = `
CREATE TABLE IF NOT EXISTS session_turns (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_turns_session_timestamp
    ON session_turns (session_id, timestamp);
`

// Migrate creates all required tables. It is idempotent and safe to call on
// every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlPreferences, ddlCustomerContexts, ddlSessionTurns} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
