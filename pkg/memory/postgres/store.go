package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voiceloop/pkg/memory"
)

// Compile-time interface check.
var _ memory.Store = (*Store)(nil)

// Store is the PostgreSQL-backed [memory.Store]. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks database connectivity. It is used by the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// LoadPreferences implements [memory.Store].
func (s *Store) LoadPreferences(ctx context.Context, sc memory.Scope) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM voice_preferences WHERE client_id = $1`, sc.ClientID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: load preferences: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("postgres store: scan preference: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: load preferences: %w", err)
	}
	return out, nil
}

// SavePreferences implements [memory.Store]. All keys are written in one
// transaction.
func (s *Store) SavePreferences(ctx context.Context, sc memory.Scope, prefs map[string]string) error {
	if len(prefs) == 0 {
		return nil
	}
	const q = `
		INSERT INTO voice_preferences (client_id, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (client_id, key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = now()`

	batch := &pgx.Batch{}
	for k, v := range prefs {
		batch.Queue(q, sc.ClientID, k, v)
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("postgres store: save preferences: %w", err)
	}
	return nil
}

// LoadCustomer implements [memory.Store].
func (s *Store) LoadCustomer(ctx context.Context, sc memory.Scope) (memory.CustomerContext, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM customer_contexts WHERE agent_id = $1 AND client_id = $2`,
		sc.AgentID, sc.ClientID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.CustomerContext{}, nil
	}
	if err != nil {
		return memory.CustomerContext{}, fmt.Errorf("postgres store: load customer: %w", err)
	}
	return decodeCustomer(raw)
}

// MergeCustomer implements [memory.Store]. Empty fields are omitted from the
// encoded document, so the top-level || merge keeps stored values for them;
// the extra map is merged one level deeper.
func (s *Store) MergeCustomer(ctx context.Context, sc memory.Scope, c memory.CustomerContext) (memory.CustomerContext, error) {
	if c.IsEmpty() {
		return s.LoadCustomer(ctx, sc)
	}
	patch := memory.CustomerContext{}.Merge(c)
	if patch.LastUpdated.IsZero() {
		patch.LastUpdated = time.Now()
	}
	data, err := json.Marshal(patch)
	if err != nil {
		return memory.CustomerContext{}, fmt.Errorf("postgres store: encode customer: %w", err)
	}

	const q = `
		INSERT INTO customer_contexts (agent_id, client_id, data, updated_at)
		VALUES ($1, $2, $3::jsonb, now())
		ON CONFLICT (agent_id, client_id) DO UPDATE
		SET data = customer_contexts.data || EXCLUDED.data || jsonb_build_object(
		        'extra',
		        COALESCE(customer_contexts.data->'extra', '{}'::jsonb) || COALESCE(EXCLUDED.data->'extra', '{}'::jsonb)),
		    updated_at = now()
		RETURNING data`

	var raw []byte
	if err := s.pool.QueryRow(ctx, q, sc.AgentID, sc.ClientID, string(data)).Scan(&raw); err != nil {
		return memory.CustomerContext{}, fmt.Errorf("postgres store: merge customer: %w", err)
	}
	return decodeCustomer(raw)
}

// ClearCustomer implements [memory.Store].
func (s *Store) ClearCustomer(ctx context.Context, sc memory.Scope) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM customer_contexts WHERE agent_id = $1 AND client_id = $2`, sc.AgentID, sc.ClientID)
	if err != nil {
		return fmt.Errorf("postgres store: clear customer: %w", err)
	}
	return nil
}

// AppendTurn implements [memory.Store].
func (s *Store) AppendTurn(ctx context.Context, sessionID string, t memory.Turn) error {
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_turns (session_id, role, text, timestamp) VALUES ($1, $2, $3, $4)`,
		sessionID, string(t.Role), t.Text, ts,
	)
	if err != nil {
		return fmt.Errorf("postgres store: append turn: %w", err)
	}
	return nil
}

// SessionTurns returns the turn log of sessionID, oldest first.
func (s *Store) SessionTurns(ctx context.Context, sessionID string) ([]memory.Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT role, text, timestamp FROM session_turns WHERE session_id = $1 ORDER BY timestamp, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres store: session turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Turn, error) {
		var (
			t    memory.Turn
			role string
		)
		if err := row.Scan(&role, &t.Text, &t.Timestamp); err != nil {
			return memory.Turn{}, err
		}
		t.Role = memory.Role(role)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan turns: %w", err)
	}
	return turns, nil
}

func decodeCustomer(raw []byte) (memory.CustomerContext, error) {
	var c memory.CustomerContext
	if err := json.Unmarshal(raw, &c); err != nil {
		return memory.CustomerContext{}, fmt.Errorf("postgres store: decode customer: %w", err)
	}
	if len(c.Extra) == 0 {
		c.Extra = nil
	}
	return c, nil
}
