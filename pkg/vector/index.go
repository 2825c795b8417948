// Package vector provides the workspace-partitioned retrieval substrate:
// semantic similarity search over embedded documents combined with
// structured metadata filtering.
//
// Storage is chromem-go (embedded, pure Go, file-persisted). chromem's
// native where filter only supports string equality, so the index keeps a
// metadata sidecar that evaluates the full filter DSL (ranges, $in, $and)
// and serves pure-metadata scans.
package vector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/mizanlabs/mizan/pkg/embedder"
)

const (
	collectionName = "evidence"
	insertBatch    = 100
	sidecarFile    = "metadata.json"
)

// Doc is one indexed piece of evidence.
type Doc struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Embedding []float32      `json:"-"`
	Metadata  map[string]any `json:"metadata"`
}

// Scored pairs a document with a similarity score in [0,1].
type Scored struct {
	Doc
	Score float64
}

// Index is the vector index over a single shared collection.
type Index struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedder   embedder.Embedder
	persistDir string

	mu   sync.RWMutex
	meta map[string]map[string]any
}

// Config configures the index.
type Config struct {
	// PersistDir stores the collection and the metadata sidecar.
	// Empty keeps everything in memory.
	PersistDir string

	// Embedder embeds query text for semantic search.
	Embedder embedder.Embedder
}

// New creates (or reopens) the index.
func New(cfg Config) (*Index, error) {
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}

	var db *chromem.DB
	var err error
	if cfg.PersistDir != "" {
		if err := os.MkdirAll(cfg.PersistDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create vector persist dir: %w", err)
		}
		db, err = chromem.NewPersistentDB(cfg.PersistDir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector database: %w", err)
		}
		slog.Info("Opened vector database", "dir", cfg.PersistDir)
	} else {
		db = chromem.NewDB()
		slog.Info("Created in-memory vector database (no persistence)")
	}

	// Vectors arrive pre-computed; the collection-level embedding func is
	// only used for raw-text queries, which go through our embedder anyway.
	identity := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding must be pre-computed")
	}

	collection, err := db.GetOrCreateCollection(collectionName, nil, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection: %w", err)
	}

	idx := &Index{
		db:         db,
		collection: collection,
		embedder:   cfg.Embedder,
		persistDir: cfg.PersistDir,
		meta:       make(map[string]map[string]any),
	}
	if err := idx.loadSidecar(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Insert adds documents in batches. Re-inserting an existing ID replaces it.
// Documents without an embedding are embedded from their text.
func (x *Index) Insert(ctx context.Context, docs []Doc) error {
	for start := 0; start < len(docs); start += insertBatch {
		end := min(start+insertBatch, len(docs))
		if err := x.insertBatch(ctx, docs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (x *Index) insertBatch(ctx context.Context, docs []Doc) error {
	batch := make([]chromem.Document, 0, len(docs))
	for _, doc := range docs {
		embedding := doc.Embedding
		if embedding == nil {
			var err error
			embedding, err = x.embedder.Embed(ctx, doc.Text)
			if err != nil {
				return fmt.Errorf("failed to embed document %s: %w", doc.ID, err)
			}
		}
		batch = append(batch, chromem.Document{
			ID:        doc.ID,
			Content:   doc.Text,
			Metadata:  stringify(doc.Metadata),
			Embedding: embedding,
		})
	}

	if err := x.collection.AddDocuments(ctx, batch, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to insert documents: %w", err)
	}

	x.mu.Lock()
	for _, doc := range docs {
		meta := make(map[string]any, len(doc.Metadata)+1)
		for k, v := range doc.Metadata {
			meta[k] = v
		}
		meta["_text"] = doc.Text
		x.meta[doc.ID] = meta
	}
	x.mu.Unlock()

	return x.saveSidecar()
}

// QuerySemantic runs similarity search constrained by the filter.
// Scores are cosine similarity mapped to [0,1].
func (x *Index) QuerySemantic(ctx context.Context, text string, k int, filter Filter) ([]Scored, error) {
	if k <= 0 {
		return nil, nil
	}

	// Candidate count under the equality subset bounds nResults; chromem
	// rejects nResults larger than the filtered document count.
	equality := filter.Equality()
	candidates := x.countMatching(func(meta map[string]any) bool {
		for key, want := range equality {
			if asString(meta[key]) != want {
				return false
			}
		}
		return true
	})
	if candidates == 0 {
		return nil, nil
	}

	queryVec, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := x.collection.QueryEmbedding(ctx, queryVec, candidates, equality, nil)
	if err != nil {
		return nil, fmt.Errorf("semantic query failed: %w", err)
	}

	scored := make([]Scored, 0, k)
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, r := range results {
		meta, ok := x.meta[r.ID]
		if !ok || !filter.Matches(meta) {
			continue
		}
		scored = append(scored, Scored{
			Doc:   docFromMeta(r.ID, meta),
			Score: normalizeScore(float64(r.Similarity)),
		})
		if len(scored) == k {
			break
		}
	}
	return scored, nil
}

// QueryStructured is a pure metadata scan, ordered by date_timestamp
// descending.
func (x *Index) QueryStructured(ctx context.Context, filter Filter, limit int) ([]Doc, error) {
	x.mu.RLock()
	var docs []Doc
	for id, meta := range x.meta {
		if filter.Matches(meta) {
			docs = append(docs, docFromMeta(id, meta))
		}
	}
	x.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool {
		ti, _ := toFloat(docs[i].Metadata["date_timestamp"])
		tj, _ := toFloat(docs[j].Metadata["date_timestamp"])
		if ti != tj {
			return ti > tj
		}
		return docs[i].ID < docs[j].ID
	})

	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// Delete removes all documents matching the filter.
func (x *Index) Delete(ctx context.Context, filter Filter) error {
	x.mu.RLock()
	var ids []string
	for id, meta := range x.meta {
		if filter.Matches(meta) {
			ids = append(ids, id)
		}
	}
	x.mu.RUnlock()

	if len(ids) == 0 {
		return nil
	}

	if err := x.collection.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}

	x.mu.Lock()
	for _, id := range ids {
		delete(x.meta, id)
	}
	x.mu.Unlock()

	return x.saveSidecar()
}

// Count returns the number of indexed documents matching the filter.
func (x *Index) Count(filter Filter) int {
	return x.countMatching(filter.Matches)
}

func (x *Index) countMatching(match func(map[string]any) bool) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n := 0
	for _, meta := range x.meta {
		if match(meta) {
			n++
		}
	}
	return n
}

func docFromMeta(id string, meta map[string]any) Doc {
	text, _ := meta["_text"].(string)
	public := make(map[string]any, len(meta))
	for k, v := range meta {
		if k == "_text" {
			continue
		}
		public[k] = v
	}
	return Doc{ID: id, Text: text, Metadata: public}
}

// normalizeScore maps cosine similarity from [-1,1] to [0,1].
func normalizeScore(sim float64) float64 {
	score := (sim + 1) / 2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func stringify(meta map[string]any) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = asString(v)
	}
	return out
}
