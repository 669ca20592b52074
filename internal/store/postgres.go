// Package store persists agent cards and signed security events in Postgres.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/praxis/a2a-fabric/internal/registry"
	"github.com/praxis/a2a-fabric/internal/security"
	"github.com/praxis/a2a-fabric/pkg/agentcard"
)

const schema = `
CREATE TABLE IF NOT EXISTS agent_cards (
    agent_id     TEXT PRIMARY KEY,
    agent_type   TEXT NOT NULL,
    card_json    JSONB NOT NULL,
    capabilities TEXT[] NOT NULL DEFAULT '{}',
    expires_at   TIMESTAMPTZ,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS agent_cards_type_idx ON agent_cards (agent_type);

CREATE TABLE IF NOT EXISTS security_events (
    event_id    TEXT PRIMARY KEY,
    event_type  TEXT NOT NULL,
    severity    TEXT NOT NULL,
    agent_id    TEXT,
    session_id  TEXT,
    occurred_at TIMESTAMPTZ NOT NULL,
    event_json  JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS security_events_agent_idx ON security_events (agent_id, occurred_at DESC);
`

type Postgres struct{ db *pgxpool.Pool }

// NewPostgres connects to dsn and creates the schema when missing.
func NewPostgres(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	s := &Postgres{db: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the schema. It is idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Postgres) Close() { s.db.Close() }

func (s *Postgres) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// SaveCard upserts a card.
func (s *Postgres) SaveCard(ctx context.Context, card *agentcard.AgentCard, expiresAt time.Time) error {
	b, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("encode card %s: %w", card.ID, err)
	}
	_, err = s.db.Exec(ctx, `
        INSERT INTO agent_cards (agent_id, agent_type, card_json, capabilities, expires_at, updated_at)
        VALUES ($1,$2,$3,$4,$5, now())
        ON CONFLICT (agent_id)
        DO UPDATE SET agent_type=EXCLUDED.agent_type, card_json=EXCLUDED.card_json, capabilities=EXCLUDED.capabilities, expires_at=EXCLUDED.expires_at, updated_at=now()
    `, card.ID, card.Metadata.Type, b, card.CapabilityNames(), nullTime(expiresAt))
	return err
}

func (s *Postgres) DeleteCard(ctx context.Context, agentID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM agent_cards WHERE agent_id=$1`, agentID)
	return err
}

// LoadCards returns every card that has not expired yet.
func (s *Postgres) LoadCards(ctx context.Context) ([]registry.StoredCard, error) {
	rows, err := s.db.Query(ctx, `
        SELECT card_json, expires_at FROM agent_cards
        WHERE expires_at IS NULL OR expires_at > now()
        ORDER BY agent_id
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []registry.StoredCard
	for rows.Next() {
		var cardBytes []byte
		var expiresAt *time.Time
		if err := rows.Scan(&cardBytes, &expiresAt); err != nil {
			return nil, err
		}
		var card agentcard.AgentCard
		if err := json.Unmarshal(cardBytes, &card); err != nil {
			return nil, fmt.Errorf("decode stored card: %w", err)
		}
		sc := registry.StoredCard{Card: &card}
		if expiresAt != nil {
			sc.ExpiresAt = *expiresAt
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// PurgeExpiredCards deletes expired rows and returns how many were removed.
func (s *Postgres) PurgeExpiredCards(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM agent_cards WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RecordSecurityEvent appends a signed audit event. Events are never updated.
func (s *Postgres) RecordSecurityEvent(ctx context.Context, event *security.SecurityEvent) error {
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode security event %s: %w", event.ID, err)
	}
	_, err = s.db.Exec(ctx, `
        INSERT INTO security_events (event_id, event_type, severity, agent_id, session_id, occurred_at, event_json)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (event_id) DO NOTHING
    `, event.ID, event.Type, string(event.Severity), event.AgentID, event.SessionID, event.Timestamp, b)
	return err
}

// ListSecurityEvents returns the newest events first, optionally for one agent.
func (s *Postgres) ListSecurityEvents(ctx context.Context, agentID string, limit int) ([]*security.SecurityEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var (
		rows pgx.Rows
		err  error
	)
	if agentID != "" {
		rows, err = s.db.Query(ctx, `SELECT event_json FROM security_events WHERE agent_id=$1 ORDER BY occurred_at DESC LIMIT $2`, agentID, limit)
	} else {
		rows, err = s.db.Query(ctx, `SELECT event_json FROM security_events ORDER BY occurred_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*security.SecurityEvent{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e security.SecurityEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode security event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

var (
	_ registry.Store     = (*Postgres)(nil)
	_ security.AuditSink = (*Postgres)(nil)
)
