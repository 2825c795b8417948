// Package embedder produces text embeddings via the local Ollama runtime,
// with an on-disk cache keyed by content hash.
package embedder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mizanlabs/mizan/pkg/httpclient"
)

// Embedder turns text into a fixed-dimension vector. Embedding is a pure
// function of the input text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Serialize Ollama embedding requests: the llama runner crashes when it
// receives concurrent embedding calls.
var ollamaEmbedMu sync.Mutex

// Service is the Ollama-backed Embedder with a disk cache.
type Service struct {
	httpClient *httpclient.Client
	baseURL    string
	model      string
	dimension  int
	cacheDir   string
}

// Config configures the embedding service.
type Config struct {
	// BaseURL is the Ollama runtime URL.
	BaseURL string

	// Model is the embedding model (default: nomic-embed-text).
	Model string

	// Dimension is the model's output dimension (default: 768).
	Dimension int

	// CacheDir holds hash-keyed vectors. Empty disables the cache.
	CacheDir string

	// Timeout for embedding requests.
	Timeout time.Duration
}

// New creates an embedding service.
func New(cfg Config) (*Service, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = 768
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	if cfg.CacheDir != "" {
		if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create embedding cache dir: %w", err)
		}
	}

	return &Service{
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(time.Second),
		),
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		cacheDir:  cfg.CacheDir,
	}, nil
}

// Dimension returns the vector dimension of the underlying model.
func (s *Service) Dimension() int {
	return s.dimension
}

// Embed returns the embedding for text, consulting the disk cache first.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)

	if vec, ok := s.readCache(key); ok {
		return vec, nil
	}

	vec, err := s.embedRemote(ctx, text)
	if err != nil {
		return nil, err
	}

	s.writeCache(key, vec)
	return vec, nil
}

func (s *Service) embedRemote(ctx context.Context, text string) ([]float32, error) {
	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	body, err := json.Marshal(map[string]string{
		"model":  s.model,
		"prompt": text,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var response struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(response.Embedding) == 0 {
		return nil, fmt.Errorf("received empty embedding from runtime")
	}

	return response.Embedding, nil
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (s *Service) readCache(key string) ([]float32, bool) {
	if s.cacheDir == "" {
		return nil, false
	}

	data, err := os.ReadFile(filepath.Join(s.cacheDir, key+".json"))
	if err != nil {
		return nil, false
	}

	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, false
	}
	return vec, true
}

func (s *Service) writeCache(key string, vec []float32) {
	if s.cacheDir == "" {
		return
	}

	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(s.cacheDir, key+".json"), data, 0o644); err != nil {
		slog.Warn("Failed to write embedding cache entry", "error", err)
	}
}

var _ Embedder = (*Service)(nil)
