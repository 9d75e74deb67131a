package insights

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/fincoach/insightcache/pkg/models"
	"github.com/fincoach/insightcache/pkg/store"
)

// Thresholds driving stats recommendations.
const (
	lowEfficiencyPercent = 50
	highVolume24h        = 50
	lowVolume24h         = 5
)

// Reporter computes read-only cache statistics for diagnostics.
type Reporter struct {
	store store.Store
}

// NewReporter returns a Reporter over st.
func NewReporter(st store.Store) *Reporter {
	return &Reporter{store: st}
}

// ComputeStats aggregates the cache rows of userID.
func (r *Reporter) ComputeStats(ctx context.Context, userID int64) (models.CacheStats, error) {
	snap, err := r.store.Stats(ctx, userID)
	if err != nil {
		CacheErrors.WithLabelValues("stats").Inc()
		return models.CacheStats{}, fmt.Errorf("compute stats for user %d: %w", userID, err)
	}
	return buildStats(userID, snap), nil
}

func buildStats(userID int64, snap models.UsageSnapshot) models.CacheStats {
	stats := models.CacheStats{
		UserID:             userID,
		TotalEntries:       snap.TotalEntries,
		ValidEntriesByType: snap.ValidByType,
		CreatedLast24h:     snap.CreatedLast24h,
		MostUsedEntries:    snap.MostUsed,
		CachedTypes:        []models.InsightType{},
	}
	if stats.ValidEntriesByType == nil {
		stats.ValidEntriesByType = map[models.InsightType]int64{}
	}
	if stats.MostUsedEntries == nil {
		stats.MostUsedEntries = []models.UsageEntry{}
	}
	if len(stats.MostUsedEntries) > store.MostUsedLimit {
		stats.MostUsedEntries = stats.MostUsedEntries[:store.MostUsedLimit]
	}

	for t, n := range stats.ValidEntriesByType {
		stats.ValidEntries += n
		stats.CachedTypes = append(stats.CachedTypes, t)
	}
	sort.Slice(stats.CachedTypes, func(i, j int) bool { return stats.CachedTypes[i] < stats.CachedTypes[j] })

	if stats.TotalEntries > 0 {
		stats.EfficiencyPercent = round2(float64(stats.ValidEntries) / float64(stats.TotalEntries) * 100)
	}
	stats.CreationRatePerHour = round2(float64(stats.CreatedLast24h) / 24)
	stats.Recommendations = recommendations(stats)
	return stats
}

func recommendations(s models.CacheStats) []string {
	recs := []string{}
	if s.EfficiencyPercent < lowEfficiencyPercent {
		recs = append(recs, "Cache com baixa eficiência - considere ajustar tempos de expiração")
	}
	switch {
	case s.CreatedLast24h > highVolume24h:
		recs = append(recs, "Alto volume de cache criado - sistema funcionando bem")
	case s.CreatedLast24h < lowVolume24h:
		recs = append(recs, "Baixo uso de cache - verifique se os insights estão sendo acessados")
	}
	if len(s.MostUsedEntries) > 0 {
		top := s.MostUsedEntries[0]
		recs = append(recs, fmt.Sprintf("Insight mais popular: %s (%d usos)", top.InsightType, top.UsedCount))
	}
	return recs
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
