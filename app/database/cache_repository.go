package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lootwatch/lootwatch/app/deal"
)

var _ CacheRepository = (*GameCache)(nil)

// GameCache handles database operations for resolved game metadata. Each
// resolver reads and writes only its own platform's rows.
type GameCache struct {
	db *DB
}

func NewGameCache(db *DB) *GameCache {
	return &GameCache{db: db}
}

// Get returns the cached snapshot for (platform, identifier) if one exists
// and is younger than ttl. Permanent entries ignore ttl.
func (c *GameCache) Get(platform deal.Platform, identifier string, ttl time.Duration) (*deal.Enriched, bool, error) {
	var data string
	var fetchedAt time.Time
	var permanent bool

	err := c.db.QueryRow(`
		SELECT data, fetched_at, permanent FROM game_cache
		WHERE platform = ? AND identifier = ?
	`, string(platform), identifier).Scan(&data, &fetchedAt, &permanent)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read game cache: %w", err)
	}

	if !permanent && time.Since(fetchedAt) > ttl {
		return nil, false, nil
	}

	var d deal.Enriched
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		// A corrupt row behaves like a miss. Drop it so the next Put
		// replaces it cleanly instead of leaving unreadable data behind.
		if err := c.Invalidate(platform, identifier); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	return &d, true, nil
}

func (c *GameCache) Put(platform deal.Platform, identifier string, d *deal.Enriched, permanent bool) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	_, err = c.db.Exec(`
		INSERT INTO game_cache (platform, identifier, data, fetched_at, permanent)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (platform, identifier) DO UPDATE SET
			data = excluded.data,
			fetched_at = excluded.fetched_at,
			permanent = excluded.permanent
	`, string(platform), identifier, string(data), time.Now().UTC(), permanent)

	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Invalidate force-expires one entry.
func (c *GameCache) Invalidate(platform deal.Platform, identifier string) error {
	_, err := c.db.Exec(`DELETE FROM game_cache WHERE platform = ? AND identifier = ?`,
		string(platform), identifier)
	if err != nil {
		return fmt.Errorf("failed to invalidate cache entry: %w", err)
	}
	return nil
}
