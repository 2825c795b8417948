// Package nlq interprets free-form user questions: extracting structured
// retrieval filters and routing the question to the right analysis agent.
package nlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	jsonrepair "github.com/RealAlexandreAI/json-repair"

	"github.com/mizanlabs/mizan/pkg/llm"
	"github.com/mizanlabs/mizan/pkg/vector"
)

// Filters are the structured constraints extracted from a question.
// Nil/empty fields mean unconstrained.
type Filters struct {
	DateFrom  *time.Time
	DateTo    *time.Time
	Direction string // "debit" or "credit"
	AmountMin *float64
	AmountMax *float64
	Category  string
	// LargeOnly marks a "large transactions" qualifier with no explicit
	// amount; the caller resolves it to an AmountMin from the
	// workspace's own amount distribution.
	LargeOnly bool
}

// Intent is the understander's product: filters for retrieval, a query
// rewritten for embedding search, and an optional agent hint.
type Intent struct {
	Filters       Filters
	EnhancedQuery string
	AgentHint     string
}

// VectorFilter renders the filters as retrieval constraints. Workspace
// scoping is the caller's job; this covers only what the question asked.
func (f Filters) VectorFilter() vector.Filter {
	filter := vector.Filter{}
	if f.DateFrom != nil {
		filter["date_timestamp"] = map[string]any{"$gte": float64(f.DateFrom.Unix())}
	}
	if f.DateTo != nil {
		existing, _ := filter["date_timestamp"].(map[string]any)
		if existing == nil {
			existing = map[string]any{}
		}
		existing["$lte"] = float64(f.DateTo.Unix())
		filter["date_timestamp"] = existing
	}
	if f.Direction != "" {
		filter["direction"] = f.Direction
	}
	if f.Category != "" {
		filter["category"] = f.Category
	}
	if f.AmountMin != nil || f.AmountMax != nil {
		amount := map[string]any{}
		if f.AmountMin != nil {
			amount["$gte"] = *f.AmountMin
		}
		if f.AmountMax != nil {
			amount["$lte"] = *f.AmountMax
		}
		filter["amount"] = amount
	}
	return filter
}

const understandPrompt = `Extract search constraints from this question about financial documents.
Answer with ONLY this JSON (null for anything the question does not constrain):

{"date_from": "YYYY-MM-DD", "date_to": "YYYY-MM-DD", "direction": "debit" or "credit", "amount_min": 0, "amount_max": 0, "category": "...", "enhanced_query": "the question rewritten as a short search phrase"}

Categories: fees, salary, groceries, utilities, dining, transport, shopping, health, cash, transfer, rent, income.
Today is %s.

Question: %s`

// Understander extracts Intent from a question: a deterministic pre-pass
// for common phrasings, then a small-model call for the rest. It degrades
// to the raw query when the model is unavailable.
type Understander struct {
	gateway llm.Gateway
	model   string
	logger  *slog.Logger
	now     func() time.Time
}

func NewUnderstander(gateway llm.Gateway, model string, logger *slog.Logger) *Understander {
	if logger == nil {
		logger = slog.Default()
	}
	return &Understander{gateway: gateway, model: model, logger: logger, now: time.Now}
}

func (u *Understander) Understand(ctx context.Context, query string) Intent {
	intent := Intent{EnhancedQuery: query, Filters: u.prePass(query)}

	res, err := u.gateway.Generate(ctx, llm.GenerateRequest{
		Model:       u.model,
		Prompt:      fmt.Sprintf(understandPrompt, u.now().Format("2006-01-02"), query),
		Temperature: 0.1,
		MaxTokens:   512,
		Think:       false,
	})
	if err != nil {
		u.logger.Warn("query understanding degraded to raw query", "error", err)
		return intent
	}

	var parsed struct {
		DateFrom      *string  `json:"date_from"`
		DateTo        *string  `json:"date_to"`
		Direction     *string  `json:"direction"`
		AmountMin     *float64 `json:"amount_min"`
		AmountMax     *float64 `json:"amount_max"`
		Category      *string  `json:"category"`
		EnhancedQuery *string  `json:"enhanced_query"`
	}
	if err := decodeJSON(res.Text, &parsed); err != nil {
		u.logger.Warn("query understanding output unparseable", "error", err)
		return intent
	}

	// Model output fills gaps; the deterministic pre-pass wins on conflict.
	if intent.Filters.DateFrom == nil {
		intent.Filters.DateFrom = parseDatePtr(parsed.DateFrom)
	}
	if intent.Filters.DateTo == nil {
		intent.Filters.DateTo = parseDatePtr(parsed.DateTo)
	}
	if intent.Filters.Direction == "" && parsed.Direction != nil {
		if d := strings.ToLower(*parsed.Direction); d == "debit" || d == "credit" {
			intent.Filters.Direction = d
		}
	}
	if intent.Filters.AmountMin == nil && parsed.AmountMin != nil && *parsed.AmountMin > 0 {
		intent.Filters.AmountMin = parsed.AmountMin
	}
	if intent.Filters.AmountMax == nil && parsed.AmountMax != nil && *parsed.AmountMax > 0 {
		intent.Filters.AmountMax = parsed.AmountMax
	}
	if intent.Filters.Category == "" && parsed.Category != nil {
		intent.Filters.Category = strings.ToLower(strings.TrimSpace(*parsed.Category))
	}
	if parsed.EnhancedQuery != nil && strings.TrimSpace(*parsed.EnhancedQuery) != "" {
		intent.EnhancedQuery = strings.TrimSpace(*parsed.EnhancedQuery)
	}
	return intent
}

var (
	amountOverRe  = regexp.MustCompile(`(?i)\b(?:over|above|more than|greater than|at least)\s+(?:sar\s*)?([\d,]+(?:\.\d+)?)`)
	amountUnderRe = regexp.MustCompile(`(?i)\b(?:under|below|less than|at most)\s+(?:sar\s*)?([\d,]+(?:\.\d+)?)`)
	monthRe       = regexp.MustCompile(`(?i)\bin\s+(january|february|march|april|may|june|july|august|september|october|november|december)\b`)
	largeRe       = regexp.MustCompile(`(?i)\b(large|big|major)\b`)
)

// prePass resolves the phrasings that do not need a model: relative
// date ranges, explicit amounts, direction words.
func (u *Understander) prePass(query string) Filters {
	var f Filters
	lower := strings.ToLower(query)
	now := u.now()

	switch {
	case strings.Contains(lower, "last month"):
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
		last := first.AddDate(0, 1, -1)
		f.DateFrom, f.DateTo = &first, &last
	case strings.Contains(lower, "this month"):
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		f.DateFrom = &first
	case strings.Contains(lower, "last week"):
		from := now.AddDate(0, 0, -7)
		f.DateFrom = &from
	}
	if m := monthRe.FindStringSubmatch(lower); m != nil && f.DateFrom == nil {
		if t, err := time.Parse("January", m[1]); err == nil {
			year := now.Year()
			if t.Month() > now.Month() {
				year--
			}
			first := time.Date(year, t.Month(), 1, 0, 0, 0, 0, time.UTC)
			last := first.AddDate(0, 1, -1)
			f.DateFrom, f.DateTo = &first, &last
		}
	}

	if m := amountOverRe.FindStringSubmatch(query); m != nil {
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
			f.AmountMin = &v
		}
	}
	if m := amountUnderRe.FindStringSubmatch(query); m != nil {
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
			f.AmountMax = &v
		}
	}
	if f.AmountMin == nil && largeRe.MatchString(lower) {
		f.LargeOnly = true
	}

	switch {
	case strings.Contains(lower, "spent") || strings.Contains(lower, "spending") ||
		strings.Contains(lower, "expense") || strings.Contains(lower, "withdrawal"):
		f.Direction = "debit"
	case strings.Contains(lower, "earned") || strings.Contains(lower, "income") ||
		strings.Contains(lower, "deposit") || strings.Contains(lower, "received"):
		f.Direction = "credit"
	}
	return f
}

func parseDatePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse("2006-01-02", strings.TrimSpace(*s))
	if err != nil {
		return nil
	}
	return &t
}

func decodeJSON(text string, target any) error {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if err := json.Unmarshal([]byte(text), target); err == nil {
		return nil
	}
	repaired, err := jsonrepair.RepairJSON(text)
	if err != nil {
		return fmt.Errorf("failed to repair model output: %w", err)
	}
	return json.Unmarshal([]byte(repaired), target)
}
