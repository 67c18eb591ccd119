package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists call records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Save(ctx context.Context, r CallRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.EndedAt.IsZero() {
		r.EndedAt = time.Now().UTC()
	}
	vars, err := json.Marshal(r.Variables)
	if err != nil {
		return fmt.Errorf("encode variables: %w", err)
	}
	transcript, err := json.Marshal(r.Transcript)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	calls, err := json.Marshal(r.ToolCalls)
	if err != nil {
		return fmt.Errorf("encode tool calls: %w", err)
	}
	var answered *time.Time
	if !r.AnsweredAt.IsZero() {
		answered = &r.AnsweredAt
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO call_records (id, call_id, direction, caller, called, provider, transport, outcome,
			end_reason, barge_ins, variables, transcript, tool_calls, pii_redacted, started_at, answered_at,
			ended_at, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		r.ID, r.CallID, r.Direction, r.Caller, r.Called, r.Provider, r.Transport, r.Outcome,
		r.EndReason, r.BargeIns, vars, transcript, calls, r.PIIRedacted, r.StartedAt, answered,
		r.EndedAt, r.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("save call record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, call_id, direction, caller, called, provider, transport, outcome, end_reason,
			barge_ins, variables, transcript, tool_calls, pii_redacted, started_at, answered_at,
			ended_at, duration_ms
		 FROM call_records ORDER BY ended_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query call records: %w", err)
	}
	defer rows.Close()

	items := make([]CallRecord, 0, limit)
	for rows.Next() {
		var (
			r                       CallRecord
			vars, transcript, calls []byte
			answered                *time.Time
		)
		if err := rows.Scan(&r.ID, &r.CallID, &r.Direction, &r.Caller, &r.Called, &r.Provider, &r.Transport,
			&r.Outcome, &r.EndReason, &r.BargeIns, &vars, &transcript, &calls, &r.PIIRedacted, &r.StartedAt,
			&answered, &r.EndedAt, &r.DurationMS); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		if answered != nil {
			r.AnsweredAt = *answered
		}
		if err := decodeJSONColumns(&r, vars, transcript, calls); err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call records: %w", err)
	}
	return items, nil
}

func decodeJSONColumns(r *CallRecord, vars, transcript, calls []byte) error {
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &r.Variables); err != nil {
			return fmt.Errorf("decode variables: %w", err)
		}
	}
	if len(transcript) > 0 {
		if err := json.Unmarshal(transcript, &r.Transcript); err != nil {
			return fmt.Errorf("decode transcript: %w", err)
		}
	}
	if len(calls) > 0 {
		if err := json.Unmarshal(calls, &r.ToolCalls); err != nil {
			return fmt.Errorf("decode tool calls: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
