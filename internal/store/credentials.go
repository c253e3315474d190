package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

const (
	sqlGetCredential = `SELECT refresh_token, account_id, provider_type
		FROM credentials WHERE id = 1`

	sqlInsertDefaultCredential = `INSERT OR IGNORE INTO credentials (id) VALUES (1)`

	sqlUpsertCredential = `INSERT INTO credentials
		(id, refresh_token, account_id, provider_type, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 refresh_token = excluded.refresh_token,
		 account_id = excluded.account_id,
		 provider_type = excluded.provider_type,
		 updated_at = excluded.updated_at`

	sqlSetAccountID = `UPDATE credentials SET account_id = ?, updated_at = ? WHERE id = 1`
)

// Credential is the durable OAuth record. An empty RefreshToken means the
// agent is not authenticated.
type Credential struct {
	RefreshToken string
	AccountID    string
	ProviderType string
}

// Authenticated reports whether the credential carries a refresh token.
func (c Credential) Authenticated() bool {
	return c.RefreshToken != ""
}

// LoadCredential returns the stored credential. A missing row is repaired
// with an empty credential.
func (s *Store) LoadCredential(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.getCredential(ctx)
	if errors.Is(err, ErrMissingRecord) {
		s.logger.Info("repairing credential record", slog.String("error", err.Error()))

		if _, err := s.db.ExecContext(ctx, sqlInsertDefaultCredential); err != nil {
			return Credential{}, fmt.Errorf("store: inserting default credential: %w", err)
		}

		return Credential{}, nil
	}

	return c, err
}

func (s *Store) getCredential(ctx context.Context) (Credential, error) {
	var c Credential

	err := s.db.QueryRowContext(ctx, sqlGetCredential).Scan(&c.RefreshToken, &c.AccountID, &c.ProviderType)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, fmt.Errorf("%w: credentials", ErrMissingRecord)
	}

	if err != nil {
		return Credential{}, fmt.Errorf("store: reading credential: %w", err)
	}

	return c, nil
}

// SaveCredential replaces the stored credential.
func (s *Store) SaveCredential(ctx context.Context, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, sqlUpsertCredential,
		c.RefreshToken, c.AccountID, c.ProviderType, s.nowFunc().Unix())
	if err != nil {
		return fmt.Errorf("store: saving credential: %w", err)
	}

	s.logger.Debug("credential saved",
		slog.String("account_id", c.AccountID),
		slog.String("provider", c.ProviderType),
		slog.Bool("authenticated", c.Authenticated()),
	)

	return nil
}

// SetAccountID records the identity fetched after authorization without
// touching the refresh token.
func (s *Store) SetAccountID(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, sqlInsertDefaultCredential); err != nil {
		return fmt.Errorf("store: inserting default credential: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, sqlSetAccountID, accountID, s.nowFunc().Unix()); err != nil {
		return fmt.Errorf("store: setting account id: %w", err)
	}

	return nil
}

// ClearCredential empties the refresh token and account id, keeping the
// provider type so the next login targets the same provider.
func (s *Store) ClearCredential(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.getCredential(ctx)
	if err != nil && !errors.Is(err, ErrMissingRecord) {
		return err
	}

	_, err = s.db.ExecContext(ctx, sqlUpsertCredential, "", "", c.ProviderType, s.nowFunc().Unix())
	if err != nil {
		return fmt.Errorf("store: clearing credential: %w", err)
	}

	s.logger.Info("credential cleared")

	return nil
}
