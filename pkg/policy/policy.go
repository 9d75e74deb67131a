// Package policy holds the per-insight-type staleness table.
package policy

import "github.com/fincoach/insightcache/pkg/models"

// Fallback applies to insight types the table does not know.
var Fallback = models.PolicyEntry{ExpiresHours: 6, Priority: models.PriorityLow}

var defaults = map[models.InsightType]models.PolicyEntry{
	models.InsightMonthlyBalance:     {ExpiresHours: 6, Priority: models.PriorityHigh},
	models.InsightLargestExpense:     {ExpiresHours: 12, Priority: models.PriorityMedium},
	models.InsightPotentialSavings:   {ExpiresHours: 24, Priority: models.PriorityLow},
	models.InsightSpendingAlert:      {ExpiresHours: 4, Priority: models.PriorityHigh},
	models.InsightCardTotalSpent:     {ExpiresHours: 24, Priority: models.PriorityMedium},
	models.InsightCardLargestExpense: {ExpiresHours: 24, Priority: models.PriorityMedium},
	models.InsightCardPattern:        {ExpiresHours: 48, Priority: models.PriorityLow},
	models.InsightCardControl:        {ExpiresHours: 12, Priority: models.PriorityHigh},
	models.InsightGoalsCommitments:   {ExpiresHours: 72, Priority: models.PriorityMedium},
	models.InsightGoalsProgress:      {ExpiresHours: 96, Priority: models.PriorityLow},
	models.InsightGoalsCapacity:      {ExpiresHours: 48, Priority: models.PriorityMedium},
	models.InsightGoalsStrategy:      {ExpiresHours: 120, Priority: models.PriorityLow},
}

// Table is an immutable insight type to policy mapping. It is built once
// at startup and safe for concurrent reads.
type Table struct {
	entries map[models.InsightType]models.PolicyEntry
}

// Default returns the built-in table.
func Default() *Table {
	return New(nil)
}

// New returns the built-in table with overrides applied on top. An
// override without a priority keeps the built-in priority, or the
// fallback priority for types the built-in table lacks.
func New(overrides map[models.InsightType]models.PolicyEntry) *Table {
	entries := make(map[models.InsightType]models.PolicyEntry, len(defaults)+len(overrides))
	for k, v := range defaults {
		entries[k] = v
	}
	for k, v := range overrides {
		if v.ExpiresHours <= 0 {
			continue
		}
		if v.Priority == "" {
			base, ok := entries[k]
			if !ok {
				base = Fallback
			}
			v.Priority = base.Priority
		}
		entries[k] = v
	}
	return &Table{entries: entries}
}

// Lookup returns the policy for t, or Fallback when t is unknown.
func (t *Table) Lookup(insightType models.InsightType) models.PolicyEntry {
	if p, ok := t.entries[insightType]; ok {
		return p
	}
	return Fallback
}
