package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"CommunityPress/internal/domain"
	"CommunityPress/internal/ports"
)

// schedulerStateKey is the well-known system_state row holding the
// orchestrator's durable state.
const schedulerStateKey = "scheduler"

// StateStore persists SchedulerState as a JSONB value in Postgres.
type StateStore struct {
	db DB
}

var _ ports.StateStore = (*StateStore)(nil)

// NewStateStore wires a pgx-backed implementation.
func NewStateStore(db DB) *StateStore {
	return &StateStore{db: db}
}

// Load reads the persisted state. A missing row yields the zero state, not
// an error: first boot has nothing to restore.
func (s *StateStore) Load(ctx context.Context) (domain.SchedulerState, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `SELECT value FROM system_state WHERE key = $1`, schedulerStateKey).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SchedulerState{}, nil
		}
		return domain.SchedulerState{}, fmt.Errorf("load scheduler state: %w", err)
	}

	var state domain.SchedulerState
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.SchedulerState{}, fmt.Errorf("decode scheduler state: %w", err)
	}

	return state, nil
}

// Save upserts the state. Called before any transition returns success so a
// crash cannot leave memory and storage inconsistent beyond one transition.
func (s *StateStore) Save(ctx context.Context, state domain.SchedulerState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode scheduler state: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO system_state (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		schedulerStateKey, raw,
	)
	if err != nil {
		return fmt.Errorf("save scheduler state: %w", err)
	}

	return nil
}
