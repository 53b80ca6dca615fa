package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lootwatch/lootwatch/app/database"
)

func NewHandler(ledger database.LedgerRepository, stats StatsSource, refresher Refresher, version string) *Handler {
	return &Handler{
		ledger:    ledger,
		stats:     stats,
		refresher: refresher,
		version:   version,
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]interface{}{
		"timestamp": time.Now().In(time.Local).Format(time.RFC3339),
		"version":   h.version,
	}

	if count, err := h.ledger.Count(); err == nil {
		health["tracked_deals"] = count
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) GetStats(c *gin.Context) {
	stats := h.stats.LastStats()

	c.JSON(http.StatusOK, map[string]interface{}{
		"last_cycle": map[string]interface{}{
			"started_at":  stats.StartedAt,
			"duration":    stats.Duration.String(),
			"entries":     stats.Entries,
			"new_entries": stats.NewEntries,
			"candidates":  stats.Candidates,
			"duplicates":  stats.Duplicates,
			"emitted":     stats.Emitted,
			"not_found":   stats.NotFound,
			"failed":      stats.Failed,
		},
	})
}

func (h *Handler) APIListDeals(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit parameter"})
			return
		}
		limit = parsed
	}

	records, err := h.ledger.RecentDeals(limit)
	if err != nil {
		slog.Error("Database error", "operation", "recent_deals", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	deals := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		deals = append(deals, map[string]interface{}{
			"key":             string(rec.Key),
			"platform":        string(rec.Platform),
			"identifier":      rec.Identifier,
			"title":           rec.Title,
			"first_seen_at":   rec.FirstSeenAt,
			"last_emitted_at": rec.LastEmittedAt,
		})
	}

	c.JSON(http.StatusOK, map[string]interface{}{
		"deals": deals,
		"total": len(deals),
	})
}

func (h *Handler) APIRefresh(c *gin.Context) {
	if !h.refresher.TriggerRefresh() {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Refresh already pending",
			"message": "A manual refresh has already been requested",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Refresh scheduled",
	})
}
