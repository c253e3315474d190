package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

const (
	sqlGetSettings = `SELECT no_operation_timeout_minutes FROM settings WHERE id = 1`

	sqlInsertDefaultSettings = `INSERT OR IGNORE INTO settings (id) VALUES (1)`

	sqlSetTimeout = `INSERT INTO settings (id, no_operation_timeout_minutes, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 no_operation_timeout_minutes = excluded.no_operation_timeout_minutes,
		 updated_at = excluded.updated_at`
)

// NoTimeout is the default no-operation timeout: non-positive disables it.
const NoTimeout = -1

// Settings are the operator-tunable values the agent reads at runtime.
type Settings struct {
	NoOperationTimeoutMinutes int
}

// LoadSettings returns the stored settings, creating the default row if it
// is missing.
func (s *Store) LoadSettings(ctx context.Context) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Settings

	err := s.db.QueryRowContext(ctx, sqlGetSettings).Scan(&st.NoOperationTimeoutMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Info("repairing settings record",
			slog.String("error", fmt.Errorf("%w: settings", ErrMissingRecord).Error()))

		if _, err := s.db.ExecContext(ctx, sqlInsertDefaultSettings); err != nil {
			return Settings{}, fmt.Errorf("store: inserting default settings: %w", err)
		}

		return Settings{NoOperationTimeoutMinutes: NoTimeout}, nil
	}

	if err != nil {
		return Settings{}, fmt.Errorf("store: reading settings: %w", err)
	}

	return st, nil
}

// SetNoOperationTimeout persists the inactivity timeout in minutes.
func (s *Store) SetNoOperationTimeout(ctx context.Context, minutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, sqlSetTimeout, minutes, s.nowFunc().Unix()); err != nil {
		return fmt.Errorf("store: saving timeout setting: %w", err)
	}

	s.logger.Info("no-operation timeout updated", slog.Int("minutes", minutes))

	return nil
}
