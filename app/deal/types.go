package deal

import (
	"fmt"
	"time"
)

// Platform identifies the storefront a deal belongs to.
type Platform string

const (
	PlatformSteam       Platform = "steam"
	PlatformEpic        Platform = "epic"
	PlatformGOG         Platform = "gog"
	PlatformItch        Platform = "itch"
	PlatformPlayStation Platform = "playstation"
	PlatformUnknown     Platform = "unknown"
)

// Known reports whether the platform is one of the supported storefronts.
func (p Platform) Known() bool {
	switch p {
	case PlatformSteam, PlatformEpic, PlatformGOG, PlatformItch, PlatformPlayStation:
		return true
	}
	return false
}

// Candidate is a parsed, not-yet-verified deal extracted from a feed entry.
// When Platform is known, Identifier holds the store-native identifier
// recovered from a link. When Platform is unknown, Identifier holds the
// guessed game title and Degraded is set.
type Candidate struct {
	EntryID    string
	Platform   Platform
	Identifier string
	Title      string
	Degraded   bool
}

// Enriched is a candidate confirmed and completed with canonical storefront
// metadata.
type Enriched struct {
	Title         string     `json:"title"`
	Platform      Platform   `json:"platform"`
	Identifier    string     `json:"identifier"`
	StoreURL      string     `json:"store_url,omitempty"`
	OriginalPrice string     `json:"original_price,omitempty"`
	Currency      string     `json:"currency,omitempty"`
	IsFree        bool       `json:"is_free"`
	ImageURL      string     `json:"image_url,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	EntryID       string     `json:"entry_id,omitempty"`
}

// Key is the stable identity used to decide whether a deal has already been
// emitted. Store-native when resolution succeeded, feed-native otherwise.
type Key string

// KeyFor derives the ledger key for a resolved deal.
func KeyFor(d *Enriched) Key {
	return Key(fmt.Sprintf("%s:%s", d.Platform, d.Identifier))
}

// CandidateKey derives the prospective ledger key for a candidate ahead of
// resolution. Only possible for candidates with a store-native identifier.
func CandidateKey(c Candidate) (Key, bool) {
	if !c.Platform.Known() || c.Identifier == "" {
		return "", false
	}
	return Key(fmt.Sprintf("%s:%s", c.Platform, c.Identifier)), true
}

// EntryKey derives the feed-native ledger key for a feed entry. Used when a
// deal's identity could not be resolved against any storefront.
func EntryKey(entryID string) Key {
	return Key("feed:" + entryID)
}
