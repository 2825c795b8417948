package server

import (
	"bytes"
	"context"
	"encoding/json"
	"hash/fnv"
	"io"
	"iter"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizanlabs/mizan/pkg/agents"
	"github.com/mizanlabs/mizan/pkg/config"
	"github.com/mizanlabs/mizan/pkg/finance"
	"github.com/mizanlabs/mizan/pkg/ingest"
	"github.com/mizanlabs/mizan/pkg/llm"
	"github.com/mizanlabs/mizan/pkg/nlq"
	"github.com/mizanlabs/mizan/pkg/orchestrator"
	"github.com/mizanlabs/mizan/pkg/store"
	"github.com/mizanlabs/mizan/pkg/vector"
)

type stubGateway struct {
	response string
}

func (g *stubGateway) Generate(context.Context, llm.GenerateRequest) (*llm.GenerateResult, error) {
	return &llm.GenerateResult{Text: g.response}, nil
}

func (g *stubGateway) GenerateStream(ctx context.Context, req llm.GenerateRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield(g.response, nil)
	}
}

func (g *stubGateway) EnsureModel(context.Context, string) error { return nil }

// slowGateway stalls every call, standing in for a runtime under load.
type slowGateway struct {
	stubGateway
	delay time.Duration
}

func (g *slowGateway) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error) {
	select {
	case <-time.After(g.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.stubGateway.Generate(ctx, req)
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()
	vec := make([]float32, 8)
	for i := range vec {
		seed = seed*1664525 + 1013904223
		vec[i] = float32(seed%1000)/1000 - 0.5
	}
	return vec, nil
}

func (stubEmbedder) Dimension() int { return 8 }

func newTestServer(t *testing.T, gw llm.Gateway) (*httptest.Server, *store.Store) {
	return newTestServerCfg(t, gw, nil)
}

func newTestServerCfg(t *testing.T, gw llm.Gateway, mutate func(*config.Config)) (*httptest.Server, *store.Store) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Storage.DataDir = t.TempDir()
	cfg.SetDefaults()
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(filepath.Join(cfg.Storage.DataDir, "test.db"), time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	idx, err := vector.New(vector.Config{Embedder: stubEmbedder{}})
	require.NoError(t, err)

	orch := orchestrator.New(orchestrator.Config{
		Store:        st,
		Index:        idx,
		Registry:     agents.NewRegistry(gw, "primary", nil),
		Router:       nlq.NewRouter(gw, "small", nil),
		Understander: nlq.NewUnderstander(gw, "small", nil),
		Ingestor:     ingest.NewIngestor(idx, nil, nil),
		UploadsDir:   cfg.Storage.UploadsDir(),
		Concurrency:  1,
	})

	s := New(cfg, orch, st, nil)
	ts := httptest.NewServer(s.http.Handler)
	t.Cleanup(ts.Close)
	return ts, st
}

func multipartBody(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func doJSON(t *testing.T, method, url, userID string, body io.Reader) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(userHeader, userID)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res, payload
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, &stubGateway{})

	res, payload := doJSON(t, http.MethodGet, ts.URL+"/api/health", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", payload["status"])
}

func TestAnonymousIdentityMinted(t *testing.T) {
	ts, _ := newTestServer(t, &stubGateway{})

	res, _ := doJSON(t, http.MethodGet, ts.URL+"/api/uploads", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.HasPrefix(res.Header.Get(userHeader), "anon-"),
		"server mints an anonymous user id")
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	ts, _ := newTestServer(t, &stubGateway{})

	body, contentType := multipartBody(t, "notes.docx", "hello")
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
}

func TestUploadRequiresFileField(t *testing.T) {
	ts, _ := newTestServer(t, &stubGateway{})

	res, _ := doJSON(t, http.MethodPost, ts.URL+"/api/upload", "u1", strings.NewReader("{}"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestUploadAndPollToCompleted(t *testing.T) {
	ts, _ := newTestServer(t, &stubGateway{})

	csv := "Date,Description,Debit,Credit\n05/01/2024,POS PURCHASE PANDA,250.00,\n"
	body, contentType := multipartBody(t, "statement.csv", csv)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(userHeader, "u1")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var created map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&created))
	res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	uploadID, _ := created["upload_id"].(string)
	require.NotEmpty(t, uploadID)
	assert.Equal(t, store.StatusProcessing, created["status"])

	require.Eventually(t, func() bool {
		res, payload := doJSON(t, http.MethodGet, ts.URL+"/api/uploads/"+uploadID, "u1", nil)
		return res.StatusCode == http.StatusOK && payload["status"] == store.StatusCompleted
	}, 5*time.Second, 50*time.Millisecond, "ingestion completes in the background")

	_, status := doJSON(t, http.MethodGet, ts.URL+"/api/uploads/"+uploadID, "u1", nil)
	meta, ok := status["summary_metadata"].(map[string]any)
	require.True(t, ok, "completed uploads carry summary metadata")
	assert.Equal(t, 1.0, meta["count"])

	res2, payload := doJSON(t, http.MethodGet, ts.URL+"/api/uploads/"+uploadID+"/data", "u1", nil)
	assert.Equal(t, http.StatusOK, res2.StatusCode)
	assert.Equal(t, "transactions", payload["doc_type"])
}

func TestUploadInvisibleToOtherUsers(t *testing.T) {
	ts, st := newTestServer(t, &stubGateway{})
	require.NoError(t, st.CreateUpload(context.Background(), &store.Upload{
		ID: "up-1", UserID: "owner", Filename: "f.csv"}))

	res, _ := doJSON(t, http.MethodGet, ts.URL+"/api/uploads/up-1", "intruder", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestListTransactionsPagedAndFiltered(t *testing.T) {
	ts, st := newTestServer(t, &stubGateway{})
	txns := []finance.Transaction{
		{Description: "POS PANDA", Amount: 100, Kind: finance.KindDebit, Category: "groceries"},
		{Description: "SALARY", Amount: 9000, Kind: finance.KindCredit, Category: "salary"},
		{Description: "POS DANUBE", Amount: 80, Kind: finance.KindDebit, Category: "groceries"},
	}
	seedParsedUpload(t, st, "u1", "up-1", orchestrator.ParsedPayload{
		DocType: string(ingest.DocTransactions), Transactions: txns})

	res, payload := doJSON(t, http.MethodGet,
		ts.URL+"/api/uploads/up-1/transactions?kind=debit", "u1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 2.0, payload["total"])

	res, payload = doJSON(t, http.MethodGet,
		ts.URL+"/api/uploads/up-1/transactions?kind=debit&limit=1&page=2", "u1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	items := payload["transactions"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "POS DANUBE", items[0].(map[string]any)["description"])

	res, payload = doJSON(t, http.MethodGet,
		ts.URL+"/api/uploads/up-1/transactions?category=salary", "u1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 1.0, payload["total"])
}

func TestGetStatement(t *testing.T) {
	ts, st := newTestServer(t, &stubGateway{})
	seedParsedUpload(t, st, "u1", "up-1", orchestrator.ParsedPayload{
		DocType: string(ingest.DocFinancial),
		Statement: &finance.FinancialStatement{
			CompanyInfo: finance.CompanyInfo{Name: "ACME Trading Co"},
		}})

	res, payload := doJSON(t, http.MethodGet, ts.URL+"/api/uploads/up-1/statement", "u1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	info := payload["company_info"].(map[string]any)
	assert.Equal(t, "ACME Trading Co", info["name"])
}

func TestGetStatementOnTransactionsUpload(t *testing.T) {
	ts, st := newTestServer(t, &stubGateway{})
	seedCompletedUpload(t, st, "u1", "up-1")

	res, _ := doJSON(t, http.MethodGet, ts.URL+"/api/uploads/up-1/statement", "u1", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestChatMissingUpload(t *testing.T) {
	ts, _ := newTestServer(t, &stubGateway{})

	res, _ := doJSON(t, http.MethodPost, ts.URL+"/api/chat/missing", "u1",
		strings.NewReader(`{"query": "hello"}`))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestChatWithoutInsights(t *testing.T) {
	ts, st := newTestServer(t, &stubGateway{response: "never"})
	seedCompletedUpload(t, st, "u1", "up-1")

	res, payload := doJSON(t, http.MethodPost, ts.URL+"/api/chat/up-1", "u1",
		strings.NewReader(`{"query": "how much did I spend?"}`))

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, orchestrator.NeedsInsights, payload["answer"])
	assert.Equal(t, true, payload["needs_insights"])
}

func TestInsightsOnProcessingUploadConflicts(t *testing.T) {
	ts, st := newTestServer(t, &stubGateway{})
	require.NoError(t, st.CreateUpload(context.Background(), &store.Upload{
		ID: "up-1", UserID: "u1", Filename: "f.csv"}))

	res, _ := doJSON(t, http.MethodPost, ts.URL+"/api/uploads/up-1/insights", "u1", nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestRunAndReadInsights(t *testing.T) {
	ts, st := newTestServer(t, &stubGateway{response: `{"summary": "ok", "findings": {"v": 1}}`})
	seedCompletedUpload(t, st, "u1", "up-1")

	res, payload := doJSON(t, http.MethodPost, ts.URL+"/api/uploads/up-1/insights", "u1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, payload["insights"], 6)

	res, payload = doJSON(t, http.MethodGet, ts.URL+"/api/uploads/up-1/insights", "u1", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, payload["insights"], 6)
}

func TestFlatRouteAliases(t *testing.T) {
	ts, st := newTestServer(t, &stubGateway{response: `{"summary": "ok", "findings": {}}`})
	seedParsedUpload(t, st, "u1", "up-1", orchestrator.ParsedPayload{
		DocType: string(ingest.DocTransactions),
		Transactions: []finance.Transaction{
			{Description: "POS PANDA", Amount: 100, Kind: finance.KindDebit}},
	})

	res, payload := doJSON(t, http.MethodGet, ts.URL+"/api/upload", "u1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, payload["uploads"], 1)

	res, payload = doJSON(t, http.MethodGet, ts.URL+"/api/upload/up-1/status", "u1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, store.StatusCompleted, payload["status"])

	res, payload = doJSON(t, http.MethodGet, ts.URL+"/api/transactions?upload_id=up-1", "u1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 1.0, payload["total"])

	res, _ = doJSON(t, http.MethodGet, ts.URL+"/api/financial/statements?upload_id=up-1", "u1", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode, "transactions upload holds no statement")

	res, payload = doJSON(t, http.MethodPost, ts.URL+"/api/analysis/full", "u1",
		strings.NewReader(`{"upload_id": "up-1"}`))
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, payload["insights"], 6)

	res, payload = doJSON(t, http.MethodGet, ts.URL+"/api/analysis/results?upload_id=up-1", "u1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, payload["insights"], 6)

	res, payload = doJSON(t, http.MethodPost, ts.URL+"/api/chat", "u1",
		strings.NewReader(`{"upload_id": "up-1", "query": "what was my spending?"}`))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, payload["answer"])

	res, payload = doJSON(t, http.MethodGet, ts.URL+"/api/chat/history?upload_id=up-1", "u1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, payload["messages"], 2)

	res, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/upload/up-1", "u1", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestChatWithoutUploadID(t *testing.T) {
	ts, _ := newTestServer(t, &stubGateway{})

	res, _ := doJSON(t, http.MethodPost, ts.URL+"/api/chat", "u1",
		strings.NewReader(`{"query": "hello"}`))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestInsightsRunOutlivesPerCallBudget(t *testing.T) {
	gw := &slowGateway{
		stubGateway: stubGateway{response: `{"summary": "ok", "findings": {}}`},
		delay:       30 * time.Millisecond,
	}
	ts, st := newTestServerCfg(t, gw, func(cfg *config.Config) {
		cfg.LLM.InsightsTimeout = 50 * time.Millisecond
	})
	seedCompletedUpload(t, st, "u1", "up-1")

	// twelve stalled calls add up to far more than one call's budget;
	// the run still finishes because no deadline spans the whole fan-out
	res, payload := doJSON(t, http.MethodPost, ts.URL+"/api/uploads/up-1/insights", "u1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	insights, ok := payload["insights"].([]any)
	require.True(t, ok)
	require.Len(t, insights, 6)
	for _, item := range insights {
		assert.Equal(t, agents.StatusCompleted, item.(map[string]any)["status"])
	}
}

func dialChatWS(t *testing.T, baseURL, userID, uploadID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws/chat/" + uploadID
	header := http.Header{}
	header.Set(userHeader, userID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestChatWSSentinelFrame(t *testing.T) {
	ts, st := newTestServer(t, &stubGateway{response: "never"})
	seedCompletedUpload(t, st, "u1", "up-1")

	conn := dialChatWS(t, ts.URL, "u1", "up-1")
	require.NoError(t, conn.WriteJSON(map[string]string{"query": "what did I spend?"}))

	var frame struct {
		Delta         string `json:"delta"`
		Done          bool   `json:"done"`
		NeedsInsights bool   `json:"needs_insights"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.True(t, frame.NeedsInsights)
	assert.True(t, frame.Done)
}

func TestChatWSStreamsDeltas(t *testing.T) {
	ts, st := newTestServer(t, &stubGateway{response: `{"summary": "ok", "findings": {}}`})
	seedCompletedUpload(t, st, "u1", "up-1")

	_, payload := doJSON(t, http.MethodPost, ts.URL+"/api/uploads/up-1/insights", "u1", nil)
	require.NotEmpty(t, payload["insights"])

	conn := dialChatWS(t, ts.URL, "u1", "up-1")
	require.NoError(t, conn.WriteJSON(map[string]string{"query": "what was my spending?"}))

	var answer string
	for {
		var frame struct {
			Delta string `json:"delta"`
			Done  bool   `json:"done"`
			Error string `json:"error"`
		}
		require.NoError(t, conn.ReadJSON(&frame))
		require.Empty(t, frame.Error)
		answer += frame.Delta
		if frame.Done {
			break
		}
	}
	assert.NotEmpty(t, answer)
}

func TestDeleteUpload(t *testing.T) {
	ts, st := newTestServer(t, &stubGateway{})
	seedCompletedUpload(t, st, "u1", "up-1")

	res, _ := doJSON(t, http.MethodDelete, ts.URL+"/api/uploads/up-1", "u1", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, _ = doJSON(t, http.MethodGet, ts.URL+"/api/uploads/up-1", "u1", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/uploads/up-1", "u1", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func seedCompletedUpload(t *testing.T, st *store.Store, userID, uploadID string) {
	t.Helper()
	seedParsedUpload(t, st, userID, uploadID,
		orchestrator.ParsedPayload{DocType: string(ingest.DocTransactions)})
}

func seedParsedUpload(t *testing.T, st *store.Store, userID, uploadID string, payload orchestrator.ParsedPayload) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateUpload(ctx, &store.Upload{
		ID: uploadID, UserID: userID, Filename: uploadID + ".csv"}))
	require.NoError(t, st.SaveParsedData(ctx, userID, uploadID, payload))
	require.NoError(t, st.UpdateUploadStatus(ctx, userID, uploadID,
		store.StatusCompleted, payload.DocType, ""))
}
