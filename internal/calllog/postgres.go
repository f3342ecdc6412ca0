package calllog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists call logs in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_turns (
			id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL,
			stream_sid TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_turns_call_created ON call_turns (call_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS call_outcomes (
			call_id TEXT PRIMARY KEY,
			stream_sid TEXT NOT NULL,
			campaign_id TEXT NOT NULL DEFAULT '',
			contact_id TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL,
			closing_phrase TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_outcomes_campaign ON call_outcomes (campaign_id, ended_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, turn Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_turns (id, call_id, stream_sid, role, content, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		turn.ID,
		turn.CallID,
		turn.StreamSID,
		turn.Role,
		turn.Content,
		turn.PIIRedacted,
		turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveOutcome(ctx context.Context, o Outcome) error {
	if o.EndedAt.IsZero() {
		o.EndedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_outcomes (call_id, stream_sid, campaign_id, contact_id, conversation_id, reason, closing_phrase, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (call_id) DO UPDATE SET reason = EXCLUDED.reason, ended_at = EXCLUDED.ended_at`,
		o.CallID,
		o.StreamSID,
		o.CampaignID,
		o.ContactID,
		o.ConversationID,
		o.Reason,
		o.ClosingPhrase,
		o.StartedAt,
		o.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save outcome: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
