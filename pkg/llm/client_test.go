package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOllama is a minimal runtime exposing /api/tags, /api/generate and
// /api/pull, recording every generate request it receives.
type fakeOllama struct {
	mu        sync.Mutex
	models    []string
	pulled    []string
	generated []generateRequest
	response  generateResponse
}

func (f *fakeOllama) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		type model struct {
			Name string `json:"name"`
		}
		var models []model
		for _, m := range f.models {
			models = append(models, model{Name: m})
		}
		json.NewEncoder(w).Encode(map[string]any{"models": models})
	})
	mux.HandleFunc("/api/pull", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.pulled = append(f.pulled, req.Name)
		f.models = append(f.models, req.Name)
		f.mu.Unlock()
		w.Write([]byte(`{"status": "success"}`))
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.generated = append(f.generated, req)
		resp := f.response
		f.mu.Unlock()

		if req.Stream {
			enc := json.NewEncoder(w)
			enc.Encode(generateResponse{Response: "chunk one "})
			enc.Encode(generateResponse{Response: "chunk two", Done: true})
			return
		}
		json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func (f *fakeOllama) lastGenerate(t *testing.T) generateRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.generated)
	return f.generated[len(f.generated)-1]
}

func newFake(t *testing.T, models ...string) (*fakeOllama, string) {
	t.Helper()
	f := &fakeOllama{
		models:   models,
		response: generateResponse{Response: "hello", Done: true},
	}
	ts := httptest.NewServer(f.handler())
	t.Cleanup(ts.Close)
	return f, ts.URL
}

func TestGeneratePassesThinkThrough(t *testing.T) {
	f, url := newFake(t, "qwen3:14b")
	c := New(WithBaseURL(url))

	res, err := c.Generate(context.Background(), GenerateRequest{
		Model: "qwen3:14b", Prompt: "analyze", Think: true,
		Temperature: 0.1, MaxTokens: 32000,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Text)

	sent := f.lastGenerate(t)
	assert.True(t, sent.Think)
	assert.Equal(t, 0.1, sent.Options["temperature"])
	assert.Equal(t, float64(32000), sent.Options["num_predict"])
	assert.False(t, sent.Stream)
}

func TestNoThinkModelsForcedFalse(t *testing.T) {
	f, url := newFake(t, "qwen3:1.7b")
	c := New(WithBaseURL(url), WithNoThinkModels("qwen3:1.7b"))

	_, err := c.Generate(context.Background(), GenerateRequest{
		Model: "qwen3:1.7b", Prompt: "route this", Think: true,
	})
	require.NoError(t, err)

	assert.False(t, f.lastGenerate(t).Think,
		"non-thinking models never receive think=true")
}

func TestEnsureModelPullsMissing(t *testing.T) {
	f, url := newFake(t) // no models present
	c := New(WithBaseURL(url))

	require.NoError(t, c.EnsureModel(context.Background(), "qwen3:14b"))
	assert.Equal(t, []string{"qwen3:14b"}, f.pulled)

	// second call hits the per-client cache, no second pull
	require.NoError(t, c.EnsureModel(context.Background(), "qwen3:14b"))
	assert.Len(t, f.pulled, 1)
}

func TestEnsureModelMatchesBaseName(t *testing.T) {
	f, url := newFake(t, "qwen3:14b")
	c := New(WithBaseURL(url))

	require.NoError(t, c.EnsureModel(context.Background(), "qwen3"))
	assert.Empty(t, f.pulled)
}

func TestGenerateRejectsEmptyCompletion(t *testing.T) {
	f, url := newFake(t, "m")
	f.response = generateResponse{Response: "   ", Done: true}
	c := New(WithBaseURL(url))

	_, err := c.Generate(context.Background(), GenerateRequest{Model: "m", Prompt: "p"})
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestGenerateStreamYieldsChunks(t *testing.T) {
	f, url := newFake(t, "m")
	c := New(WithBaseURL(url))

	var got string
	for chunk, err := range c.GenerateStream(context.Background(), GenerateRequest{Model: "m", Prompt: "p"}) {
		require.NoError(t, err)
		got += chunk
	}
	assert.Equal(t, "chunk one chunk two", got)
	assert.True(t, f.lastGenerate(t).Stream)
}

func TestImagesAreBase64Encoded(t *testing.T) {
	f, url := newFake(t, "vision")
	c := New(WithBaseURL(url))

	_, err := c.Generate(context.Background(), GenerateRequest{
		Model: "vision", Prompt: "extract", Images: [][]byte{[]byte{0x89, 0x50}},
	})
	require.NoError(t, err)

	sent := f.lastGenerate(t)
	require.Len(t, sent.Images, 1)
	assert.Equal(t, "iVA=", sent.Images[0])
}
