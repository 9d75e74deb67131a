package models

import "time"

// ContentContext is the snapshot of financial facts an insight is
// generated from. Only a whitelisted subset of it reaches the data hash;
// GeneratedAt and SessionID are volatile and never hashed.
type ContentContext struct {
	UserID      int64  `json:"user_id"`
	Personality string `json:"personality,omitempty"`

	Balance      *Balance      `json:"balance,omitempty"`
	Transactions []Transaction `json:"transactions,omitempty"`

	LargestExpense *Expense    `json:"largest_expense,omitempty"`
	Suggestion     *Suggestion `json:"suggestion,omitempty"`
	Alert          *Alert      `json:"alert,omitempty"`

	Card  *CardSummary  `json:"card,omitempty"`
	Goals *GoalsSummary `json:"goals,omitempty"`

	GeneratedAt time.Time `json:"generated_at,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
}

// Balance summarises the current month.
type Balance struct {
	Income    float64 `json:"income"`
	Expenses  float64 `json:"expenses"`
	Remaining float64 `json:"remaining"`
}

// Transaction is a single bank or manual movement.
type Transaction struct {
	ID          string    `json:"id,omitempty"`
	Description string    `json:"description,omitempty"`
	Value       float64   `json:"value"`
	Category    string    `json:"category"`
	Date        time.Time `json:"date"`
}

// Expense describes a notable outgoing amount.
type Expense struct {
	Description string  `json:"description,omitempty"`
	Category    string  `json:"category,omitempty"`
	Value       float64 `json:"value"`
}

// Suggestion is a savings hint computed upstream.
type Suggestion struct {
	Text             string  `json:"text,omitempty"`
	PotentialSavings float64 `json:"potential_savings"`
}

// Alert is a spending warning computed upstream.
type Alert struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
}

// CardSummary aggregates credit card statement data.
type CardSummary struct {
	TotalSpent          float64 `json:"total_spent"`
	LargestExpenseValue float64 `json:"largest_expense_value"`
	AverageSpent        float64 `json:"average_spent"`
	TopCategory         string  `json:"top_category,omitempty"`
	TotalTransactions   int     `json:"total_transactions"`
}

// GoalsSummary holds pending commitments and active savings goals.
type GoalsSummary struct {
	Commitments      []Commitment `json:"commitments,omitempty"`
	Goals            []Goal       `json:"goals,omitempty"`
	TotalCommitments float64      `json:"total_commitments"`
	TotalTarget      float64      `json:"total_target"`
	TotalSaved       float64      `json:"total_saved"`
}

// Commitment is a pending payment.
type Commitment struct {
	Category string    `json:"category"`
	Value    float64   `json:"value"`
	DueDate  time.Time `json:"due_date,omitempty"`
}

// Goal is an active savings goal.
type Goal struct {
	Name     string    `json:"name"`
	Target   float64   `json:"target"`
	Saved    float64   `json:"saved"`
	Deadline time.Time `json:"deadline,omitempty"`
}

// PersonalityParams tune the generator's communication style.
type PersonalityParams struct {
	Formality  string            `json:"formality,omitempty"`
	EmojiUsage string            `json:"emoji_usage,omitempty"`
	Tone       string            `json:"tone,omitempty"`
	Focus      string            `json:"focus,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}
