package nlq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mizanlabs/mizan/pkg/llm"
)

// GeneralAgent answers questions that fit no specialist.
const GeneralAgent = "general"

// routeKeywords maps agent names to trigger tokens. Keyword routing is
// free and covers most questions; the model only breaks ties.
var routeKeywords = map[string][]string{
	"expense":                   {"spend", "spent", "spending", "expense", "expenses", "cost", "purchases", "where did my money"},
	"income":                    {"income", "earned", "earning", "salary", "deposit", "deposits", "revenue source"},
	"fee_hunter":                {"fee", "fees", "charge", "charges", "commission", "penalty", "hidden cost"},
	"budget_advisor":            {"budget", "save", "saving", "savings", "afford", "runway", "advice"},
	"trend_analyst":             {"trend", "trends", "pattern", "over time", "monthly", "weekly", "seasonal"},
	"transaction_investigator":  {"find", "search", "look for", "duplicate", "suspicious", "anomaly", "specific transaction", "did i pay"},
	"ratio_analyst":             {"ratio", "ratios", "current ratio", "debt to equity", "leverage"},
	"profitability":             {"profit", "profitability", "margin", "margins", "net income", "ebitda"},
	"liquidity":                 {"liquidity", "liquid", "working capital", "quick ratio", "cash position", "solvency"},
	"fin_trend":                 {"growth", "year over year", "yoy", "compared to last year", "prior period"},
	"risk":                      {"risk", "risks", "exposure", "covenant", "warning", "red flag"},
	"efficiency":                {"efficiency", "turnover", "utilization", "asset use", "collection period", "dso"},
}

const routePrompt = `Pick the single best analyst for this question. Answer with ONLY the analyst name, nothing else.

Analysts: %s

Question: %s`

// Router picks the agent that should answer a question.
type Router struct {
	gateway llm.Gateway
	model   string
	logger  *slog.Logger
}

func NewRouter(gateway llm.Gateway, model string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{gateway: gateway, model: model, logger: logger}
}

// Route returns the name of the agent to answer the question, always one
// of the candidates or GeneralAgent. candidates is the agent set for the
// workspace's document type.
func (r *Router) Route(ctx context.Context, query string, candidates []string) string {
	if name := keywordRoute(query, candidates); name != "" {
		return name
	}

	res, err := r.gateway.Generate(ctx, llm.GenerateRequest{
		Model:       r.model,
		Prompt:      fmt.Sprintf(routePrompt, strings.Join(append(candidates, GeneralAgent), ", "), query),
		Temperature: 0.1,
		MaxTokens:   32,
		Think:       false,
	})
	if err != nil {
		r.logger.Warn("routing degraded to general agent", "error", err)
		return GeneralAgent
	}

	name := strings.ToLower(strings.TrimSpace(res.Text))
	name = strings.Trim(name, `"'.`)
	for _, candidate := range candidates {
		if name == candidate {
			return candidate
		}
	}
	if name != GeneralAgent {
		r.logger.Warn("router returned unknown agent", "name", name)
	}
	return GeneralAgent
}

// keywordRoute returns the candidate with the most keyword hits, or ""
// when no keyword matches or two candidates tie.
func keywordRoute(query string, candidates []string) string {
	lower := strings.ToLower(query)
	best, bestHits, tied := "", 0, false

	for _, name := range candidates {
		hits := 0
		for _, kw := range routeKeywords[name] {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		switch {
		case hits > bestHits:
			best, bestHits, tied = name, hits, false
		case hits == bestHits && hits > 0:
			tied = true
		}
	}

	if tied || bestHits == 0 {
		return ""
	}
	return best
}
