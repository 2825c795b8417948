package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"regexp"
	"strings"
	"time"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	"github.com/pkoukk/tiktoken-go"

	"github.com/mizanlabs/mizan/pkg/llm"
	"github.com/mizanlabs/mizan/pkg/vector"
)

const (
	// evidenceTokenBudget caps the evidence block in insights prompts.
	evidenceTokenBudget = 8000
	// insightsMaxTokens leaves headroom for extended thinking. Both calls
	// of the insights protocol run with this limit and think enabled.
	insightsMaxTokens = 32000
	chatMaxTokens     = 8000
	chatRetrievalK    = 12
	structuredLimit   = 500
)

// spec declares one agent: its identity, the evidence it reads, and the
// findings shape its insights call must produce.
type spec struct {
	name        string
	description string
	persona     string
	analysis    string        // insights instructions
	findings    string        // JSON shape for the answer call
	kind        string        // evidence kind: "transaction" or "statement_section"
	filter      vector.Filter // domain filter narrowing the evidence slice
}

// baseAgent runs the shared protocol for any spec.
type baseAgent struct {
	spec    spec
	gateway llm.Gateway
	model   string
	logger  *slog.Logger
}

var _ Agent = (*baseAgent)(nil)

func newBaseAgent(s spec, gateway llm.Gateway, model string, logger *slog.Logger) *baseAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &baseAgent{spec: s, gateway: gateway, model: model, logger: logger}
}

func (a *baseAgent) Name() string        { return a.spec.name }
func (a *baseAgent) Description() string { return a.spec.description }

// RunInsights is the two-call protocol: an extended-thinking analysis
// pass over the full evidence, then an answer pass that renders the
// analysis as structured findings. Both calls run with think enabled on
// the full token budget.
func (a *baseAgent) RunInsights(ctx context.Context, ac Context) (*Result, error) {
	evidence := a.collectEvidence(ctx, ac)

	analysis, err := a.gateway.Generate(ctx, llm.GenerateRequest{
		Model:       a.model,
		System:      a.spec.persona,
		Prompt:      buildAnalysisPrompt(a.spec, ac, evidence),
		Temperature: 0.1,
		MaxTokens:   insightsMaxTokens,
		Think:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis call failed: %w", err)
	}

	payload, err := a.formatFindings(ctx, stripThink(analysis.Text))
	if err != nil {
		return nil, err
	}

	return &Result{
		AgentName: a.spec.name,
		Status:    StatusCompleted,
		Summary:   payload.Summary,
		Findings:  payload.Findings,
		CreatedAt: time.Now().UTC(),
	}, nil
}

type findingsPayload struct {
	Summary  string         `json:"summary"`
	Findings map[string]any `json:"findings"`
}

// formatFindings is the answer call of the protocol. An unparseable
// payload gets one retry on a minimised prompt before the agent gives
// up, same as the vision extraction path.
func (a *baseAgent) formatFindings(ctx context.Context, analysis string) (*findingsPayload, error) {
	prompts := []string{
		buildFormatPrompt(a.spec, analysis),
		buildFormatRetryPrompt(a.spec, analysis),
	}

	var lastErr error
	for i, prompt := range prompts {
		answer, err := a.gateway.Generate(ctx, llm.GenerateRequest{
			Model:       a.model,
			System:      a.spec.persona,
			Prompt:      prompt,
			Temperature: 0.1,
			MaxTokens:   insightsMaxTokens,
			Think:       true,
		})
		if err != nil {
			return nil, fmt.Errorf("format call failed: %w", err)
		}

		var payload findingsPayload
		if err := decodeModelJSON(answer.Text, &payload); err != nil {
			lastErr = err
			if i == 0 {
				a.logger.Warn("unparseable findings, retrying with minimal prompt",
					"agent", a.spec.name, "error", err)
			}
			continue
		}
		return &payload, nil
	}
	return nil, fmt.Errorf("unparseable findings from %s: %w", a.spec.name, lastErr)
}

// RunChat answers one question in a single call grounded in cached
// insights plus a targeted retrieval.
func (a *baseAgent) RunChat(ctx context.Context, ac Context, query string, insights []Result) (string, error) {
	prompt, err := a.chatPrompt(ctx, ac, query, insights)
	if err != nil {
		return "", err
	}

	res, err := a.gateway.Generate(ctx, llm.GenerateRequest{
		Model:       a.model,
		System:      a.spec.persona,
		Prompt:      prompt,
		Temperature: 0.1,
		MaxTokens:   chatMaxTokens,
		Think:       false,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(stripThink(res.Text)), nil
}

func (a *baseAgent) RunChatStream(ctx context.Context, ac Context, query string, insights []Result) iter.Seq2[string, error] {
	prompt, err := a.chatPrompt(ctx, ac, query, insights)
	if err != nil {
		return func(yield func(string, error) bool) {
			yield("", err)
		}
	}

	return a.gateway.GenerateStream(ctx, llm.GenerateRequest{
		Model:       a.model,
		System:      a.spec.persona,
		Prompt:      prompt,
		Temperature: 0.1,
		MaxTokens:   chatMaxTokens,
		Think:       false,
	})
}

func (a *baseAgent) chatPrompt(ctx context.Context, ac Context, query string, insights []Result) (string, error) {
	searchQuery := query
	var extra vector.Filter
	if ac.Intent != nil {
		if ac.Intent.EnhancedQuery != "" {
			searchQuery = ac.Intent.EnhancedQuery
		}
		extra = ac.Intent.Filters.VectorFilter()
	}

	scored, err := ac.Retriever.Semantic(ctx, searchQuery, chatRetrievalK, extra)
	if err != nil {
		return "", fmt.Errorf("retrieval failed: %w", err)
	}
	var lines []string
	for _, s := range scored {
		lines = append(lines, s.Doc.Text)
	}

	return buildChatPrompt(query, insights, lines), nil
}

// collectEvidence dumps the workspace's evidence of the agent's kind,
// narrowed by its domain filter, newest first, trimmed to the token
// budget. Retrieval failures degrade to the parsed-summary block alone.
func (a *baseAgent) collectEvidence(ctx context.Context, ac Context) []string {
	filter := vector.Filter{"kind": a.spec.kind}
	for key, cond := range a.spec.filter {
		filter[key] = cond
	}

	docs, err := ac.Retriever.Structured(ctx, filter, structuredLimit)
	if err != nil {
		a.logger.Warn("evidence retrieval failed", "agent", a.spec.name, "error", err)
		return nil
	}

	var lines []string
	for _, doc := range docs {
		lines = append(lines, doc.Text)
	}
	return trimToBudget(lines, evidenceTokenBudget)
}

var thinkTagRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// stripThink removes inline reasoning blocks; some runtimes echo them in
// the response body even when thinking is requested separately.
func stripThink(text string) string {
	return strings.TrimSpace(thinkTagRe.ReplaceAllString(text, ""))
}

var tokenEncoding *tiktoken.Tiktoken

func init() {
	// Best effort; countTokens falls back to a bytes/4 estimate.
	tokenEncoding, _ = tiktoken.GetEncoding("cl100k_base")
}

func countTokens(text string) int {
	if tokenEncoding == nil {
		return len(text) / 4
	}
	return len(tokenEncoding.Encode(text, nil, nil))
}

// trimToBudget keeps lines in order until the token budget is spent.
func trimToBudget(lines []string, budget int) []string {
	total := 0
	for i, line := range lines {
		total += countTokens(line) + 1
		if total > budget {
			return lines[:i]
		}
	}
	return lines
}

func decodeModelJSON(text string, target any) error {
	text = strings.TrimSpace(stripThink(text))
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
