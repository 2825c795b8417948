// Package orchestrator coordinates the workspace lifecycle: ingestion,
// the full insights run, chat answering, and deletion. It is the only
// layer that builds agent contexts, so workspace scoping cannot be
// bypassed by a caller.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/mizanlabs/mizan/pkg/agents"
	"github.com/mizanlabs/mizan/pkg/finance"
	"github.com/mizanlabs/mizan/pkg/ingest"
	"github.com/mizanlabs/mizan/pkg/nlq"
	"github.com/mizanlabs/mizan/pkg/store"
	"github.com/mizanlabs/mizan/pkg/vector"
)

// NeedsInsights is the chat sentinel returned, without any model call,
// when a workspace has no cached insights to ground an answer in.
const NeedsInsights = "NEEDS_INSIGHTS"

// ErrStillProcessing rejects operations on a workspace whose ingestion
// has not finished.
var ErrStillProcessing = errors.New("upload is still processing")

// ErrUploadFailed rejects operations on a workspace whose ingestion
// failed.
var ErrUploadFailed = errors.New("upload processing failed")

// ParsedPayload is the durable product of ingestion, stored per
// workspace.
type ParsedPayload struct {
	DocType      string                      `json:"doc_type"`
	Transactions []finance.Transaction       `json:"transactions,omitempty"`
	Summary      *finance.TransactionSummary `json:"summary,omitempty"`
	Statement    *finance.FinancialStatement `json:"statement,omitempty"`
	Warnings     []string                    `json:"warnings,omitempty"`
}

// Orchestrator owns the workspace lifecycle.
type Orchestrator struct {
	store        *store.Store
	index        *vector.Index
	registry     *agents.Registry
	router       *nlq.Router
	understander *nlq.Understander
	ingestor     *ingest.Ingestor
	uploadsDir   string
	sem          *semaphore.Weighted
	logger       *slog.Logger
}

type Config struct {
	Store        *store.Store
	Index        *vector.Index
	Registry     *agents.Registry
	Router       *nlq.Router
	Understander *nlq.Understander
	Ingestor     *ingest.Ingestor
	UploadsDir   string
	// Concurrency bounds simultaneous model calls during insights runs.
	Concurrency int64
}

func New(cfg Config) *Orchestrator {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Orchestrator{
		store:        cfg.Store,
		index:        cfg.Index,
		registry:     cfg.Registry,
		router:       cfg.Router,
		understander: cfg.Understander,
		ingestor:     cfg.Ingestor,
		uploadsDir:   cfg.UploadsDir,
		sem:          semaphore.NewWeighted(concurrency),
		logger:       slog.Default(),
	}
}

// ProcessUpload runs ingestion for a stored file and records the outcome
// on the upload row. Safe to run in a background goroutine.
func (o *Orchestrator) ProcessUpload(ctx context.Context, userID, uploadID, path, filename string) {
	ingested, err := o.ingestor.Ingest(ctx, path, filename, userID, uploadID)
	if err != nil {
		o.logger.Error("ingestion failed", "upload_id", uploadID, "error", err)
		if uerr := o.store.UpdateUploadStatus(ctx, userID, uploadID, store.StatusFailed, "", err.Error()); uerr != nil {
			o.logger.Error("failed to record ingestion failure", "upload_id", uploadID, "error", uerr)
		}
		return
	}

	payload := ParsedPayload{
		DocType:      string(ingested.DocType),
		Transactions: ingested.Transactions,
		Summary:      ingested.Summary,
		Statement:    ingested.Statement,
		Warnings:     ingested.Warnings,
	}
	if err := o.store.SaveParsedData(ctx, userID, uploadID, payload); err != nil {
		o.logger.Error("failed to persist parsed data", "upload_id", uploadID, "error", err)
		_ = o.store.UpdateUploadStatus(ctx, userID, uploadID, store.StatusFailed, string(ingested.DocType), err.Error())
		return
	}
	if err := o.store.UpdateUploadStatus(ctx, userID, uploadID, store.StatusCompleted, string(ingested.DocType), ""); err != nil {
		o.logger.Error("failed to mark upload completed", "upload_id", uploadID, "error", err)
	}
}

// RunFullInsights runs every specialist for the workspace's document
// type. Each result is persisted as it completes, so a failure late in
// the run never loses earlier agents' work; a failed agent leaves a
// failed placeholder row instead of nothing.
func (o *Orchestrator) RunFullInsights(ctx context.Context, userID, uploadID string) ([]agents.Result, error) {
	ac, docType, err := o.loadContext(ctx, userID, uploadID)
	if err != nil {
		return nil, err
	}

	specialists := o.registry.ForDocType(docType)
	results := make([]agents.Result, len(specialists))

	for i, agent := range specialists {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		result, runErr := agent.RunInsights(ctx, *ac)
		o.sem.Release(1)

		if runErr != nil {
			o.logger.Error("agent failed", "agent", agent.Name(), "upload_id", uploadID, "error", runErr)
			result = &agents.Result{
				AgentName: agent.Name(),
				Status:    agents.StatusFailed,
				Summary:   fmt.Sprintf("analysis failed: %v", runErr),
			}
		}
		results[i] = *result

		if err := o.persistResult(ctx, userID, uploadID, *result); err != nil {
			o.logger.Error("failed to persist result", "agent", agent.Name(), "error", err)
		}
	}

	return results, nil
}

// Insights returns the latest stored result per agent.
func (o *Orchestrator) Insights(ctx context.Context, userID, uploadID string) ([]agents.Result, error) {
	if _, err := o.store.GetUpload(ctx, userID, uploadID); err != nil {
		return nil, err
	}

	rows, err := o.store.LatestResults(ctx, userID, uploadID)
	if err != nil {
		return nil, err
	}

	results := make([]agents.Result, 0, len(rows))
	for _, row := range rows {
		results = append(results, resultFromRow(row))
	}
	return results, nil
}

// ChatAnswer is one completed chat turn.
type ChatAnswer struct {
	Answer        string `json:"answer"`
	AgentUsed     string `json:"agent_used,omitempty"`
	NeedsInsights bool   `json:"needs_insights,omitempty"`
}

// AnswerChat answers one question against a workspace. When no insights
// exist yet it returns the NeedsInsights sentinel without touching the
// model.
func (o *Orchestrator) AnswerChat(ctx context.Context, userID, uploadID, query string) (*ChatAnswer, error) {
	agent, ac, insights, err := o.prepareChat(ctx, userID, uploadID, query)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return &ChatAnswer{Answer: NeedsInsights, NeedsInsights: true}, nil
	}

	// The question is part of the history the moment it is accepted,
	// whether or not the model manages an answer.
	o.appendChat(ctx, userID, uploadID, "user", query, "")

	answer, err := agent.RunChat(ctx, *ac, query, insights)
	if err != nil {
		return nil, err
	}

	o.appendChat(ctx, userID, uploadID, "assistant", answer, agent.Name())
	return &ChatAnswer{Answer: answer, AgentUsed: agent.Name()}, nil
}

// AnswerChatStream is AnswerChat delivered as deltas. The full answer is
// persisted once the stream ends; a consumer that stops early still gets
// what streamed persisted.
func (o *Orchestrator) AnswerChatStream(ctx context.Context, userID, uploadID, query string) iter.Seq2[string, error] {
	agent, ac, insights, err := o.prepareChat(ctx, userID, uploadID, query)
	if err != nil {
		return func(yield func(string, error) bool) {
			yield("", err)
		}
	}
	if agent == nil {
		return func(yield func(string, error) bool) {
			yield(NeedsInsights, nil)
		}
	}

	o.appendChat(ctx, userID, uploadID, "user", query, "")

	stream := agent.RunChatStream(ctx, *ac, query, insights)
	return func(yield func(string, error) bool) {
		var full strings.Builder
		for delta, err := range stream {
			if err != nil {
				yield("", err)
				return
			}
			full.WriteString(delta)
			if !yield(delta, nil) {
				break
			}
		}
		if full.Len() > 0 {
			o.appendChat(ctx, userID, uploadID, "assistant", full.String(), agent.Name())
		}
	}
}

// prepareChat resolves the workspace, short-circuits on an empty insight
// cache (nil agent means NeedsInsights), and routes the question.
func (o *Orchestrator) prepareChat(ctx context.Context, userID, uploadID, query string) (agents.Agent, *agents.Context, []agents.Result, error) {
	ac, docType, err := o.loadContext(ctx, userID, uploadID)
	if err != nil {
		return nil, nil, nil, err
	}

	rows, err := o.store.LatestResults(ctx, userID, uploadID)
	if err != nil {
		return nil, nil, nil, err
	}
	insights := make([]agents.Result, 0, len(rows))
	for _, row := range rows {
		if row.Status == agents.StatusCompleted {
			insights = append(insights, resultFromRow(row))
		}
	}
	if len(insights) == 0 {
		return nil, nil, nil, nil
	}

	intent := o.understander.Understand(ctx, query)
	if intent.Filters.LargeOnly && intent.Filters.AmountMin == nil {
		var payload ParsedPayload
		if err := o.store.GetParsedData(ctx, userID, uploadID, &payload); err == nil {
			if threshold, ok := largeThreshold(payload.Transactions); ok {
				intent.Filters.AmountMin = &threshold
			}
		}
	}
	ac.Intent = &intent

	name := intent.AgentHint
	if name == "" {
		name = o.router.Route(ctx, query, o.registry.Names(docType))
	}
	o.logger.Info("chat routed", "upload_id", uploadID, "agent", name)

	return o.registry.ByName(name), ac, insights, nil
}

// ChatHistory returns the workspace conversation.
func (o *Orchestrator) ChatHistory(ctx context.Context, userID, uploadID string, limit int) ([]store.ChatMessage, error) {
	if _, err := o.store.GetUpload(ctx, userID, uploadID); err != nil {
		return nil, err
	}
	return o.store.ListChatMessages(ctx, userID, uploadID, limit)
}

// DeleteWorkspace removes everything belonging to one upload: database
// rows, cache entries, indexed evidence, and the stored file. Idempotent
// after the first call returns ErrNotFound.
func (o *Orchestrator) DeleteWorkspace(ctx context.Context, userID, uploadID string) error {
	if err := o.store.DeleteWorkspace(ctx, userID, uploadID); err != nil {
		return err
	}

	if err := o.index.Delete(ctx, vector.Filter{"upload_id": uploadID}); err != nil {
		o.logger.Error("failed to delete indexed evidence", "upload_id", uploadID, "error", err)
	}

	matches, _ := filepath.Glob(filepath.Join(o.uploadsDir, uploadID+"*"))
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			o.logger.Warn("failed to remove stored file", "path", path, "error", err)
		}
	}

	o.logger.Info("workspace deleted", "upload_id", uploadID)
	return nil
}

// loadContext resolves a workspace into an agent context. Only completed
// uploads are analysable.
func (o *Orchestrator) loadContext(ctx context.Context, userID, uploadID string) (*agents.Context, ingest.DocType, error) {
	upload, err := o.store.GetUpload(ctx, userID, uploadID)
	if err != nil {
		return nil, "", err
	}
	switch upload.Status {
	case store.StatusProcessing:
		return nil, "", ErrStillProcessing
	case store.StatusFailed:
		return nil, "", fmt.Errorf("%w: %s", ErrUploadFailed, upload.Error)
	}

	var payload ParsedPayload
	if err := o.store.GetParsedData(ctx, userID, uploadID, &payload); err != nil {
		return nil, "", err
	}

	ac := &agents.Context{
		UserID:    userID,
		UploadID:  uploadID,
		Retriever: agents.NewScopedRetriever(o.index, uploadID),
		Summary:   payload.Summary,
		Statement: payload.Statement,
	}
	return ac, ingest.DocType(payload.DocType), nil
}

func (o *Orchestrator) persistResult(ctx context.Context, userID, uploadID string, result agents.Result) error {
	findings, err := json.Marshal(result.Findings)
	if err != nil {
		return fmt.Errorf("failed to encode findings: %w", err)
	}
	return o.store.SaveAnalysisResult(ctx, userID, uploadID, store.AnalysisRow{
		AgentName:    result.AgentName,
		Status:       result.Status,
		Summary:      result.Summary,
		FindingsJSON: string(findings),
		CreatedAt:    result.CreatedAt,
	})
}

func (o *Orchestrator) appendChat(ctx context.Context, userID, uploadID, role, content, agentName string) {
	if err := o.store.AppendChatMessage(ctx, userID, uploadID, role, content, agentName); err != nil {
		o.logger.Error("failed to persist chat message", "upload_id", uploadID, "role", role, "error", err)
	}
}

// largeThreshold maps a "large transactions" qualifier to the smallest
// amount still inside the workspace's top decile, so "large" means large
// for this particular ledger.
func largeThreshold(txns []finance.Transaction) (float64, bool) {
	if len(txns) == 0 {
		return 0, false
	}
	amounts := make([]float64, 0, len(txns))
	for _, t := range txns {
		amounts = append(amounts, math.Abs(t.Amount))
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(amounts)))
	cut := (len(amounts) + 9) / 10
	return amounts[cut-1], true
}

func resultFromRow(row store.AnalysisRow) agents.Result {
	result := agents.Result{
		AgentName: row.AgentName,
		Status:    row.Status,
		Summary:   row.Summary,
		CreatedAt: row.CreatedAt,
	}
	if row.FindingsJSON != "" {
		_ = json.Unmarshal([]byte(row.FindingsJSON), &result.Findings)
	}
	return result
}
