package models

import "time"

// UsageSnapshot is the raw per-user aggregate read from the store.
type UsageSnapshot struct {
	TotalEntries   int64
	CreatedLast24h int64
	ValidByType    map[InsightType]int64
	MostUsed       []UsageEntry
}

// UsageEntry is one row of the most-used listing.
type UsageEntry struct {
	InsightType InsightType `json:"insight_type"`
	Personality string      `json:"personality"`
	Title       string      `json:"title"`
	UsedCount   int64       `json:"used_count"`
	CreatedAt   time.Time   `json:"created_at"`
}

// CacheStats reports cache efficiency for one user.
type CacheStats struct {
	UserID              int64                 `json:"user_id"`
	TotalEntries        int64                 `json:"total_entries"`
	ValidEntries        int64                 `json:"valid_entries"`
	ValidEntriesByType  map[InsightType]int64 `json:"valid_entries_by_type"`
	CreatedLast24h      int64                 `json:"created_last_24h"`
	EfficiencyPercent   float64               `json:"efficiency_percent"`
	CreationRatePerHour float64               `json:"creation_rate_per_hour"`
	CachedTypes         []InsightType         `json:"cached_types"`
	MostUsedEntries     []UsageEntry          `json:"most_used_entries"`
	Recommendations     []string              `json:"recommendations"`
}
