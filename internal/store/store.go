// Package store persists finished calls to Postgres.
package store

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// CallRecord is one finished call with its full transcript.
type CallRecord struct {
	CallID     string
	Caller     string
	Callee     string
	BusinessID string
	StartedAt  time.Time
	EndedAt    time.Time
	EndReason  string
	Turns      []TurnRecord
}

// TurnRecord is one history entry of a call.
type TurnRecord struct {
	Seq         int
	Role        string
	Content     string
	ToolName    string
	Interrupted bool
	Timestamp   time.Time
}

// Store wraps a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects and verifies the database is reachable.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// SaveCall writes the call and its turns in one transaction. Re-saving the
// same call ID replaces the transcript.
func (s *Store) SaveCall(ctx context.Context, rec CallRecord) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO calls (id, caller, callee, business_id, started_at, ended_at, end_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET ended_at = EXCLUDED.ended_at, end_reason = EXCLUDED.end_reason`,
		rec.CallID, rec.Caller, rec.Callee, rec.BusinessID, rec.StartedAt, rec.EndedAt, rec.EndReason)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM call_turns WHERE call_id = $1`, rec.CallID); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	for _, turn := range rec.Turns {
		_, err := tx.Exec(ctx, `
			INSERT INTO call_turns (call_id, seq, role, content, tool_name, interrupted, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.CallID, turn.Seq, turn.Role, turn.Content, turn.ToolName, turn.Interrupted, turn.Timestamp)
		if err != nil {
			return fmt.Errorf("insert turn %d: %w", turn.Seq, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LoadCall reads one call with its transcript.
func (s *Store) LoadCall(ctx context.Context, callID string) (*CallRecord, error) {
	var rec CallRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, caller, callee, business_id, started_at, ended_at, end_reason
		FROM calls WHERE id = $1`, callID).
		Scan(&rec.CallID, &rec.Caller, &rec.Callee, &rec.BusinessID, &rec.StartedAt, &rec.EndedAt, &rec.EndReason)
	if err != nil {
		return nil, fmt.Errorf("load call: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT seq, role, content, tool_name, interrupted, created_at
		FROM call_turns WHERE call_id = $1 ORDER BY seq`, callID)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var turn TurnRecord
		if err := rows.Scan(&turn.Seq, &turn.Role, &turn.Content, &turn.ToolName, &turn.Interrupted, &turn.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		rec.Turns = append(rec.Turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return &rec, nil
}

func (s *Store) Close() {
	s.pool.Close()
}
