package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/strandworks/strand/pkg/models"
)

// UpsertProfile inserts or replaces a profile item by key.
func (s *Store) UpsertProfile(ctx context.Context, item *models.ProfileItem) error {
	if item.Key == "" {
		return fmt.Errorf("memory: profile item requires a key")
	}
	if item.Confidence < 0 || item.Confidence > 1 {
		return fmt.Errorf("memory: profile confidence %v outside [0,1]", item.Confidence)
	}
	item.UpdatedAt = time.Now().UTC()

	var expiresAt any
	if item.ExpiresAt != nil {
		expiresAt = *item.ExpiresAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO profiles (key, value, confidence, explicit, source_event_id, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.Key,
		string(item.Value),
		item.Confidence,
		boolToInt(item.Explicit),
		nullString(item.SourceEventID),
		expiresAt,
		item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// GetProfile fetches one item by key. Expired items are deleted on
// observation and reported as absent.
func (s *Store) GetProfile(ctx context.Context, key string) (*models.ProfileItem, error) {
	items, err := s.loadProfiles(ctx, "WHERE key = ?", key)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items[0], nil
}

// ListProfile returns all live items sorted explicit-first, then by
// descending confidence.
func (s *Store) ListProfile(ctx context.Context) ([]*models.ProfileItem, error) {
	items, err := s.loadProfiles(ctx, "")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Explicit != items[j].Explicit {
			return items[i].Explicit
		}
		return items[i].Confidence > items[j].Confidence
	})
	return items, nil
}

// DeleteProfile removes an item by key.
func (s *Store) DeleteProfile(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM profiles WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	return nil
}

// loadProfiles reads items, purging any whose expiry has passed.
func (s *Store) loadProfiles(ctx context.Context, where string, args ...any) ([]*models.ProfileItem, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value, confidence, explicit, source_event_id, expires_at, updated_at FROM profiles "+where,
		args...)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var items []*models.ProfileItem
	var expiredKeys []string

	for rows.Next() {
		var item models.ProfileItem
		var value string
		var explicit int
		var sourceEventID sql.NullString
		var expiresAt sql.NullTime

		err := rows.Scan(&item.Key, &value, &item.Confidence, &explicit, &sourceEventID, &expiresAt, &item.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		item.Value = json.RawMessage(value)
		item.Explicit = explicit != 0
		item.SourceEventID = sourceEventID.String
		if expiresAt.Valid {
			t := expiresAt.Time
			item.ExpiresAt = &t
			if !t.After(now) {
				expiredKeys = append(expiredKeys, item.Key)
				continue
			}
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, key := range expiredKeys {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM profiles WHERE key = ?", key); err != nil {
			return nil, fmt.Errorf("purge expired profile: %w", err)
		}
	}
	return items, nil
}
