package models

import (
	"fmt"
	"time"
)

// InsightType identifies the kind of generated commentary. The set is
// closed at the storage layer (check constraint) but extended here first.
type InsightType string

const (
	InsightMonthlyBalance     InsightType = "saldo_mensal"
	InsightLargestExpense     InsightType = "maior_gasto"
	InsightPotentialSavings   InsightType = "economia_potencial"
	InsightSpendingAlert      InsightType = "alerta_gastos"
	InsightCardTotalSpent     InsightType = "total_gastos_cartao"
	InsightCardLargestExpense InsightType = "maior_gasto_cartao"
	InsightCardPattern        InsightType = "padrao_gastos_cartao"
	InsightCardControl        InsightType = "controle_cartao"
	InsightGoalsCommitments   InsightType = "analise_compromissos_metas"
	InsightGoalsProgress      InsightType = "progresso_metas_economia"
	InsightGoalsCapacity      InsightType = "capacidade_pagamento_metas"
	InsightGoalsStrategy      InsightType = "estrategia_financeira_metas"
)

var allInsightTypes = []InsightType{
	InsightMonthlyBalance,
	InsightLargestExpense,
	InsightPotentialSavings,
	InsightSpendingAlert,
	InsightCardTotalSpent,
	InsightCardLargestExpense,
	InsightCardPattern,
	InsightCardControl,
	InsightGoalsCommitments,
	InsightGoalsProgress,
	InsightGoalsCapacity,
	InsightGoalsStrategy,
}

// AllInsightTypes returns every known insight type in declaration order.
func AllInsightTypes() []InsightType {
	out := make([]InsightType, len(allInsightTypes))
	copy(out, allInsightTypes)
	return out
}

// Known reports whether t is part of the enumeration accepted by the store.
func (t InsightType) Known() bool {
	for _, k := range allInsightTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Family groups insight types that are derived from the same slice of
// financial data.
type Family string

const (
	FamilyGeneral Family = "general"
	FamilyCard    Family = "card"
	FamilyGoals   Family = "goals"
)

// Family returns the data family of t. Unknown types belong to the
// general family.
func (t InsightType) Family() Family {
	switch t {
	case InsightCardTotalSpent, InsightCardLargestExpense, InsightCardPattern, InsightCardControl:
		return FamilyCard
	case InsightGoalsCommitments, InsightGoalsProgress, InsightGoalsCapacity, InsightGoalsStrategy:
		return FamilyGoals
	default:
		return FamilyGeneral
	}
}

// Priority ranks how urgently an insight type must be kept fresh.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// PolicyEntry is the staleness policy of one insight type.
type PolicyEntry struct {
	ExpiresHours int      `json:"expires_hours" yaml:"expires_hours" validate:"gt=0"`
	Priority     Priority `json:"priority" yaml:"priority" validate:"omitempty,oneof=high medium low"`
}

// TTL returns the policy window as a duration.
func (p PolicyEntry) TTL() time.Duration {
	return time.Duration(p.ExpiresHours) * time.Hour
}

// CacheKey is the composite identity of a cache row.
type CacheKey struct {
	UserID      int64
	InsightType InsightType
	Personality string
	DataHash    string
	PromptHash  string
}

// String renders the key for logs and in-process coalescing.
func (k CacheKey) String() string {
	return fmt.Sprintf("%d:%s:%s:%s:%s", k.UserID, k.InsightType, k.Personality, k.DataHash, k.PromptHash)
}

// CacheEntry is a persisted generated insight.
type CacheEntry struct {
	ID             int64       `json:"id"`
	UserID         int64       `json:"user_id"`
	InsightType    InsightType `json:"insight_type"`
	Personality    string      `json:"personality"`
	DataHash       string      `json:"data_hash"`
	PromptHash     string      `json:"prompt_hash"`
	Title          string      `json:"title"`
	Value          string      `json:"value,omitempty"`
	Commentary     string      `json:"commentary"`
	GeneratorModel string      `json:"generator_model"`
	CreatedAt      time.Time   `json:"created_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
	UsedCount      int64       `json:"used_count"`
}

// Key returns the composite cache key of the entry.
func (e CacheEntry) Key() CacheKey {
	return CacheKey{
		UserID:      e.UserID,
		InsightType: e.InsightType,
		Personality: e.Personality,
		DataHash:    e.DataHash,
		PromptHash:  e.PromptHash,
	}
}

// IsValid reports whether the entry may still be served at now.
func (e CacheEntry) IsValid(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Source tells the caller where a Result came from.
type Source string

const (
	SourceCache Source = "cache"
	SourceLLM   Source = "llm"
	SourceError Source = "error"
)

// Result is what GetOrGenerate hands back to presentation code.
type Result struct {
	Title      string    `json:"title"`
	Value      string    `json:"value"`
	Commentary string    `json:"commentary"`
	Source     Source    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
	UsedCount  int64     `json:"used_count"`
}
