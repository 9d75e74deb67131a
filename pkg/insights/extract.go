package insights

import (
	"math"
	"strconv"
	"strings"

	"github.com/fincoach/insightcache/pkg/models"
)

// DefaultTitle labels insight types without a dedicated title.
const DefaultTitle = "Insight Financeiro"

var titles = map[models.InsightType]string{
	models.InsightMonthlyBalance:     "Saldo do Mês",
	models.InsightLargestExpense:     "Maior Gasto",
	models.InsightPotentialSavings:   "Economia Potencial",
	models.InsightSpendingAlert:      "Alerta de Gastos",
	models.InsightCardTotalSpent:     "Total Gastos Cartão",
	models.InsightCardLargestExpense: "Maior Gasto Cartão",
	models.InsightCardPattern:        "Padrão de Gastos",
	models.InsightCardControl:        "Controle do Cartão",
	models.InsightGoalsCommitments:   "Análise de Compromissos e Metas",
	models.InsightGoalsProgress:      "Progresso de Metas Econômicas",
	models.InsightGoalsCapacity:      "Capacidade de Pagamento de Metas",
	models.InsightGoalsStrategy:      "Estratégia Financeira de Metas",
}

// Title returns the fixed display label of an insight type.
func Title(t models.InsightType) string {
	if title, ok := titles[t]; ok {
		return title
	}
	return DefaultTitle
}

// Value returns the headline figure shown next to the commentary, or ""
// when the insight type has none or the context lacks its expense or
// suggestion section.
func Value(t models.InsightType, c models.ContentContext) string {
	// Balance and card figures read as zero when their section is absent.
	var (
		balance models.Balance
		card    models.CardSummary
	)
	if c.Balance != nil {
		balance = *c.Balance
	}
	if c.Card != nil {
		card = *c.Card
	}

	switch t {
	case models.InsightMonthlyBalance:
		return FormatMoney(balance.Remaining)
	case models.InsightLargestExpense:
		if c.LargestExpense != nil {
			return FormatMoney(c.LargestExpense.Value)
		}
	case models.InsightPotentialSavings:
		if c.Suggestion != nil {
			return FormatMoney(c.Suggestion.PotentialSavings)
		}
	case models.InsightCardTotalSpent:
		return FormatMoney(card.TotalSpent)
	case models.InsightCardLargestExpense:
		return FormatMoney(card.LargestExpenseValue)
	case models.InsightCardPattern:
		return strconv.Itoa(card.TotalTransactions) + " transações"
	}
	return ""
}

// FormatMoney renders v in Brazilian currency notation, e.g. R$ 1.234,56.
func FormatMoney(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	s := strconv.FormatFloat(math.Abs(v), 'f', 2, 64)
	intPart, frac := s[:len(s)-3], s[len(s)-2:]

	var b strings.Builder
	b.WriteString("R$ ")
	if v < 0 && s != "0.00" {
		b.WriteByte('-')
	}
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	b.WriteByte(',')
	b.WriteString(frac)
	return b.String()
}
