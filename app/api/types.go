package api

import (
	"github.com/lootwatch/lootwatch/app/database"
	"github.com/lootwatch/lootwatch/app/pipeline"
)

// Refresher triggers an out-of-schedule detection cycle.
type Refresher interface {
	TriggerRefresh() bool
}

// StatsSource exposes the stats of the most recent detection cycle.
type StatsSource interface {
	LastStats() pipeline.Stats
}

type Handler struct {
	ledger    database.LedgerRepository
	stats     StatsSource
	refresher Refresher
	version   string
}
