package activationlog

import (
	"context"
	"fmt"
	"time"
)

// Record is one completed activation's audit row, carrying the fields
// named in the spec's ActivationOutcome plus the claim/agent identity
// needed to make the row queryable.
type Record struct {
	ClaimID     string
	AgentID     string
	TaskType    string
	Success     bool
	ErrorKind   string
	TokensIn    int
	TokensOut   int
	Iterations  int
	Duration    time.Duration
	Model       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Append inserts one activation record. claim_id is the primary key, so a
// duplicate report (e.g. a retry racing a slow network) is a silent
// no-op rather than a constraint-violation error.
func (s *Store) Append(ctx context.Context, r Record) error {
	const q = `
		INSERT INTO activation_log
			(claim_id, agent_id, task_type, success, error_kind,
			 tokens_in, tokens_out, iterations, duration_ms, model,
			 started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (claim_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		r.ClaimID, r.AgentID, r.TaskType, r.Success, r.ErrorKind,
		r.TokensIn, r.TokensOut, r.Iterations, r.Duration.Milliseconds(), r.Model,
		r.StartedAt, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("activationlog: append: %w", err)
	}
	return nil
}

// Recent returns an agent's most recent activations, newest first,
// bounded by limit.
func (s *Store) Recent(ctx context.Context, agentID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT claim_id, agent_id, task_type, success, error_kind,
		       tokens_in, tokens_out, iterations, duration_ms, model,
		       started_at, completed_at
		FROM activation_log
		WHERE agent_id = $1
		ORDER BY completed_at DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, q, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("activationlog: query recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var durationMS int64
		if err := rows.Scan(
			&r.ClaimID, &r.AgentID, &r.TaskType, &r.Success, &r.ErrorKind,
			&r.TokensIn, &r.TokensOut, &r.Iterations, &durationMS, &r.Model,
			&r.StartedAt, &r.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("activationlog: scan recent: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activationlog: recent rows: %w", err)
	}
	return out, nil
}
