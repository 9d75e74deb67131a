// Package hasher reduces insight inputs to deterministic fingerprints.
//
// The data hash covers only a whitelisted projection of a ContentContext,
// chosen by the insight family, so that volatile fields such as request
// timestamps or session ids never split the cache. The prompt hash covers
// the trimmed prompt text and the personality parameters.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/fincoach/insightcache/pkg/models"
)

// SampleSize is the number of recent transactions that take part in the
// data hash.
const SampleSize = 5

const dateLayout = "2006-01-02"

// zeroHash is returned when a projection cannot be serialized.
var zeroHash = sum(nil)

// ComputeDataHash fingerprints the whitelisted fields of ctx that matter
// for insights of the given type.
func ComputeDataHash(insightType models.InsightType, ctx models.ContentContext) string {
	data, err := json.Marshal(project(insightType.Family(), ctx))
	if err != nil {
		return zeroHash
	}
	return sum(data)
}

// ComputePromptHash fingerprints the prompt text and personality params.
func ComputePromptHash(promptText string, params models.PersonalityParams) string {
	data, err := json.Marshal(map[string]any{
		"prompt":             strings.TrimSpace(promptText),
		"personality_params": params,
	})
	if err != nil {
		return zeroHash
	}
	return sum(data)
}

func sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// project builds the whitelisted view of ctx. Maps are used throughout so
// encoding/json emits keys in sorted order.
func project(family models.Family, ctx models.ContentContext) map[string]any {
	var balance models.Balance
	if ctx.Balance != nil {
		balance = *ctx.Balance
	}

	sample := ctx.Transactions
	if len(sample) > SampleSize {
		sample = sample[:SampleSize]
	}
	txs := make([]map[string]any, 0, len(sample))
	for _, t := range sample {
		txs = append(txs, map[string]any{
			"value":    t.Value,
			"category": t.Category,
			"date":     dateOnly(t.Date),
		})
	}

	out := map[string]any{
		"family":             string(family),
		"user_id":            ctx.UserID,
		"personality":        ctx.Personality,
		"balance":            map[string]any{"income": balance.Income, "expenses": balance.Expenses, "remaining": balance.Remaining},
		"transactions_count": len(ctx.Transactions),
		"transactions":       txs,
	}

	switch family {
	case models.FamilyCard:
		var card models.CardSummary
		if ctx.Card != nil {
			card = *ctx.Card
		}
		out["total_spent"] = card.TotalSpent
		out["largest_expense_value"] = card.LargestExpenseValue
		out["average_spent"] = card.AverageSpent
		out["top_category"] = card.TopCategory
		out["total_transactions"] = card.TotalTransactions

	case models.FamilyGoals:
		var goals models.GoalsSummary
		if ctx.Goals != nil {
			goals = *ctx.Goals
		}
		commitments := make([]map[string]any, 0, len(goals.Commitments))
		for _, c := range goals.Commitments {
			commitments = append(commitments, map[string]any{
				"category": c.Category,
				"value":    round2(c.Value),
			})
		}
		list := make([]map[string]any, 0, len(goals.Goals))
		for _, g := range goals.Goals {
			list = append(list, map[string]any{
				"name":     g.Name,
				"target":   round2(g.Target),
				"saved":    round2(g.Saved),
				"deadline": dateOnly(g.Deadline),
			})
		}
		out["commitments"] = commitments
		out["goals"] = list
		out["total_commitments"] = round2(goals.TotalCommitments)
		out["total_target"] = round2(goals.TotalTarget)
		out["total_saved"] = round2(goals.TotalSaved)

	default:
		var expense models.Expense
		if ctx.LargestExpense != nil {
			expense = *ctx.LargestExpense
		}
		var suggestion models.Suggestion
		if ctx.Suggestion != nil {
			suggestion = *ctx.Suggestion
		}
		var alert models.Alert
		if ctx.Alert != nil {
			alert = *ctx.Alert
		}
		out["largest_expense"] = map[string]any{
			"description": expense.Description,
			"category":    expense.Category,
			"value":       expense.Value,
		}
		out["suggestion"] = map[string]any{
			"text":              suggestion.Text,
			"potential_savings": suggestion.PotentialSavings,
		}
		out["alert"] = map[string]any{
			"level":   alert.Level,
			"message": alert.Message,
		}
	}

	return out
}

func dateOnly(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

// round2 keeps cent precision so float noise in upstream sums does not
// change the hash.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
