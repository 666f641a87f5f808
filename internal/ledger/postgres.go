package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists turn records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voice_turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			turn_seq BIGINT NOT NULL,
			source TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			end_session BOOLEAN NOT NULL DEFAULT FALSE,
			forced BOOLEAN NOT NULL DEFAULT FALSE,
			input_chars INTEGER NOT NULL DEFAULT 0,
			chunks_sent INTEGER NOT NULL DEFAULT 0,
			respond_ms BIGINT NOT NULL DEFAULT 0,
			speak_ms BIGINT NOT NULL DEFAULT 0,
			total_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_turns_session_created ON voice_turns (session_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) RecordTurn(ctx context.Context, r TurnRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_turns (id, session_id, turn_seq, source, outcome, error_kind, error_code,
			end_session, forced, input_chars, chunks_sent, respond_ms, speak_ms, total_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.SessionID, r.TurnSeq, r.Source, r.Outcome, r.ErrorKind, r.ErrorCode,
		r.EndSession, r.Forced, r.InputChars, r.ChunksSent,
		r.RespondTime.Milliseconds(), r.SpeakTime.Milliseconds(), r.TotalTime.Milliseconds(),
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) SessionTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, turn_seq, source, outcome, error_kind, error_code, end_session, forced,
			input_chars, chunks_sent, respond_ms, speak_ms, total_ms, created_at
		 FROM voice_turns WHERE session_id=$1 ORDER BY created_at DESC LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query session turns: %w", err)
	}
	defer rows.Close()

	items := make([]TurnRecord, 0, limit)
	for rows.Next() {
		var r TurnRecord
		var respondMS, speakMS, totalMS int64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.TurnSeq, &r.Source, &r.Outcome, &r.ErrorKind, &r.ErrorCode,
			&r.EndSession, &r.Forced, &r.InputChars, &r.ChunksSent, &respondMS, &speakMS, &totalMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		r.RespondTime = time.Duration(respondMS) * time.Millisecond
		r.SpeakTime = time.Duration(speakMS) * time.Millisecond
		r.TotalTime = time.Duration(totalMS) * time.Millisecond
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
