package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	sqlInsertUploaded = `INSERT INTO uploaded_items
		(path, capture_time, account_id, provider_type, remote_id, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path, capture_time, account_id, provider_type) DO NOTHING`

	sqlListUploaded = `SELECT path, capture_time, account_id
		FROM uploaded_items WHERE provider_type = ?`

	sqlCountUploaded = `SELECT COUNT(*) FROM uploaded_items WHERE provider_type = ?`

	sqlLastUploaded = `SELECT COALESCE(MAX(uploaded_at), 0) FROM uploaded_items WHERE provider_type = ?`
)

// ItemKey is the identity of an uploaded item. Capture time is kept at
// second resolution, matching the EXIF DateTime field.
type ItemKey struct {
	Path        string
	CaptureUnix int64
	AccountID   string
}

// NewItemKey builds a key from a capture timestamp.
func NewItemKey(path string, capture time.Time, accountID string) ItemKey {
	return ItemKey{Path: path, CaptureUnix: capture.Unix(), AccountID: accountID}
}

// LedgerEntry is one successful upload.
type LedgerEntry struct {
	Key          ItemKey
	ProviderType string
	RemoteID     string
}

// RecordUpload appends an entry to the ledger. Recording the same identity
// twice is a no-op; it reports whether a new row was written.
func (s *Store) RecordUpload(ctx context.Context, e LedgerEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, sqlInsertUploaded,
		e.Key.Path, e.Key.CaptureUnix, e.Key.AccountID, e.ProviderType, e.RemoteID, s.nowFunc().Unix())
	if err != nil {
		return false, fmt.Errorf("store: recording upload of %s: %w", e.Key.Path, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: recording upload of %s: %w", e.Key.Path, err)
	}

	if n == 0 {
		s.logger.Debug("ledger entry already present", slog.String("path", e.Key.Path))
	}

	return n > 0, nil
}

// UploadedSet returns every recorded identity for a provider.
func (s *Store) UploadedSet(ctx context.Context, providerType string) (map[ItemKey]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, sqlListUploaded, providerType)
	if err != nil {
		return nil, fmt.Errorf("store: listing uploaded items: %w", err)
	}
	defer rows.Close()

	set := make(map[ItemKey]struct{})

	for rows.Next() {
		var k ItemKey
		if err := rows.Scan(&k.Path, &k.CaptureUnix, &k.AccountID); err != nil {
			return nil, fmt.Errorf("store: scanning uploaded item: %w", err)
		}

		set[k] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating uploaded items: %w", err)
	}

	return set, nil
}

// CountUploaded returns the number of ledger entries for a provider.
func (s *Store) CountUploaded(ctx context.Context, providerType string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRowContext(ctx, sqlCountUploaded, providerType).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting uploaded items: %w", err)
	}

	return n, nil
}

// LastUploadedAt returns when the most recent ledger entry for a provider was
// written, or the zero time for an empty ledger.
func (s *Store) LastUploadedAt(ctx context.Context, providerType string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unix int64
	if err := s.db.QueryRowContext(ctx, sqlLastUploaded, providerType).Scan(&unix); err != nil {
		return time.Time{}, fmt.Errorf("store: reading last upload time: %w", err)
	}

	if unix == 0 {
		return time.Time{}, nil
	}

	return time.Unix(unix, 0), nil
}
