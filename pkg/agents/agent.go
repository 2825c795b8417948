// Package agents implements the analysis agents: six transaction
// specialists, six financial-statement specialists, and the general
// fallback. Agents share one protocol: a two-call think-then-answer pass
// for insights and a single grounded call for chat.
package agents

import (
	"context"
	"iter"
	"time"

	"github.com/mizanlabs/mizan/pkg/finance"
	"github.com/mizanlabs/mizan/pkg/nlq"
)

// Result statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Result is one agent's analysis of one workspace.
type Result struct {
	AgentName string         `json:"agent_name"`
	Status    string         `json:"status"`
	Summary   string         `json:"summary"`
	Findings  map[string]any `json:"findings"`
	CreatedAt time.Time      `json:"created_at"`
}

// Context carries everything an agent may consult for one workspace. The
// retriever is already scoped to the upload; agents cannot reach outside
// it.
type Context struct {
	UserID    string
	UploadID  string
	Retriever *ScopedRetriever
	Summary   *finance.TransactionSummary
	Statement *finance.FinancialStatement
	Intent    *nlq.Intent
}

// Agent is one analysis specialist.
type Agent interface {
	Name() string
	Description() string

	// RunInsights produces the agent's full analysis of the workspace.
	RunInsights(ctx context.Context, ac Context) (*Result, error)

	// RunChat answers one question grounded in cached insights and
	// retrieved evidence.
	RunChat(ctx context.Context, ac Context, query string, insights []Result) (string, error)

	// RunChatStream is RunChat delivered incrementally.
	RunChatStream(ctx context.Context, ac Context, query string, insights []Result) iter.Seq2[string, error]
}
