package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lootwatch/lootwatch/app/deal"
)

var _ LedgerRepository = (*Ledger)(nil)

// Ledger handles database operations for the dedup ledger.
type Ledger struct {
	db *DB
}

func NewLedger(db *DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) HasSeen(key deal.Key) (bool, error) {
	var one int
	err := l.db.QueryRow(`SELECT 1 FROM seen_deals WHERE key = ? LIMIT 1`, string(key)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check seen key: %w", err)
	}
	return true, nil
}

// MarkSeen records an emission. Re-marking an existing key only advances its
// last-emitted timestamp; first-seen is preserved.
func (l *Ledger) MarkSeen(key deal.Key, d *deal.Enriched, at time.Time) error {
	var platform deal.Platform
	var identifier, title string
	if d != nil {
		platform = d.Platform
		identifier = d.Identifier
		title = d.Title
	}

	_, err := l.db.Exec(`
		INSERT INTO seen_deals (key, platform, identifier, title, first_seen_at, last_emitted_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			last_emitted_at = excluded.last_emitted_at
	`, string(key), string(platform), identifier, title, at.UTC(), at.UTC())

	if err != nil {
		return fmt.Errorf("failed to mark key seen: %w", err)
	}
	return nil
}

// RecentDeals returns the most recently emitted ledger records, newest first.
func (l *Ledger) RecentDeals(limit int) ([]SeenDeal, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.db.Query(`
		SELECT key, platform, identifier, title, first_seen_at, last_emitted_at
		FROM seen_deals
		ORDER BY last_emitted_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent deals: %w", err)
	}
	defer rows.Close()

	var deals []SeenDeal
	for rows.Next() {
		var rec SeenDeal
		var key, platform string
		if err := rows.Scan(&key, &platform, &rec.Identifier, &rec.Title, &rec.FirstSeenAt, &rec.LastEmittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger record: %w", err)
		}
		rec.Key = deal.Key(key)
		rec.Platform = deal.Platform(platform)
		deals = append(deals, rec)
	}

	return deals, rows.Err()
}

func (l *Ledger) Count() (int, error) {
	var count int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM seen_deals`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count ledger records: %w", err)
	}
	return count, nil
}

// Prune removes records whose last emission predates the cutoff. Returns the
// number of removed records.
func (l *Ledger) Prune(olderThan time.Time) (int64, error) {
	res, err := l.db.Exec(`DELETE FROM seen_deals WHERE last_emitted_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune ledger: %w", err)
	}
	return res.RowsAffected()
}
