package database

import (
	"time"

	"github.com/lootwatch/lootwatch/app/deal"
)

// SeenDeal is one dedup-ledger record. Written exactly once per newly emitted
// deal per cycle; never deleted automatically (age-based pruning is a policy
// applied from outside the pipeline).
type SeenDeal struct {
	Key           deal.Key
	Platform      deal.Platform
	Identifier    string
	Title         string
	FirstSeenAt   time.Time
	LastEmittedAt time.Time
}

// LedgerRepository is the persistent record of which deals have already been
// emitted.
type LedgerRepository interface {
	HasSeen(key deal.Key) (bool, error)
	MarkSeen(key deal.Key, d *deal.Enriched, at time.Time) error
	RecentDeals(limit int) ([]SeenDeal, error)
	Count() (int, error)
	Prune(olderThan time.Time) (int64, error)
}

// CacheRepository is the durable per-resolver metadata cache keyed by
// (platform, identifier).
type CacheRepository interface {
	Get(platform deal.Platform, identifier string, ttl time.Duration) (*deal.Enriched, bool, error)
	Put(platform deal.Platform, identifier string, d *deal.Enriched, permanent bool) error
	Invalidate(platform deal.Platform, identifier string) error
}
