package vector

import (
	"context"
	"hash/fnv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEmbedder produces deterministic unit vectors so similarity search
// works without a model runtime.
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
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		inv := 1 / float32(norm)
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func (stubEmbedder) Dimension() int { return 8 }

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := New(Config{Embedder: stubEmbedder{}})
	require.NoError(t, err)
	return idx
}

func seedDocs(t *testing.T, idx *Index) {
	t.Helper()
	err := idx.Insert(context.Background(), []Doc{
		{ID: "a-1", Text: "grocery purchase at panda", Metadata: map[string]any{
			"upload_id": "upload-a", "kind": "transaction", "amount": 250.0, "date_timestamp": 100.0}},
		{ID: "a-2", Text: "salary deposit", Metadata: map[string]any{
			"upload_id": "upload-a", "kind": "transaction", "amount": 15000.0, "date_timestamp": 200.0}},
		{ID: "b-1", Text: "grocery purchase at danube", Metadata: map[string]any{
			"upload_id": "upload-b", "kind": "transaction", "amount": 90.0, "date_timestamp": 150.0}},
	})
	require.NoError(t, err)
}

func TestQuerySemanticWorkspaceIsolation(t *testing.T) {
	idx := newTestIndex(t)
	seedDocs(t, idx)

	scored, err := idx.QuerySemantic(context.Background(), "grocery", 10, Filter{"upload_id": "upload-a"})
	require.NoError(t, err)
	require.NotEmpty(t, scored)
	for _, s := range scored {
		assert.Equal(t, "upload-a", s.Metadata["upload_id"])
		assert.GreaterOrEqual(t, s.Score, 0.0)
		assert.LessOrEqual(t, s.Score, 1.0)
	}
}

func TestQuerySemanticEmptyWorkspace(t *testing.T) {
	idx := newTestIndex(t)
	seedDocs(t, idx)

	scored, err := idx.QuerySemantic(context.Background(), "anything", 5, Filter{"upload_id": "nope"})
	require.NoError(t, err)
	assert.Empty(t, scored)
}

func TestQueryStructuredOrderAndLimit(t *testing.T) {
	idx := newTestIndex(t)
	seedDocs(t, idx)

	docs, err := idx.QueryStructured(context.Background(), Filter{"kind": "transaction"}, 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	// newest first
	assert.Equal(t, "a-2", docs[0].ID)
	assert.Equal(t, "b-1", docs[1].ID)
}

func TestQueryStructuredRangeFilter(t *testing.T) {
	idx := newTestIndex(t)
	seedDocs(t, idx)

	docs, err := idx.QueryStructured(context.Background(),
		Filter{"amount": map[string]any{"$gte": 100.0}}, 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)
}

func TestDeleteWorkspace(t *testing.T) {
	idx := newTestIndex(t)
	seedDocs(t, idx)

	require.NoError(t, idx.Delete(context.Background(), Filter{"upload_id": "upload-a"}))

	assert.Equal(t, 0, idx.Count(Filter{"upload_id": "upload-a"}))
	assert.Equal(t, 1, idx.Count(Filter{"upload_id": "upload-b"}))

	// idempotent
	require.NoError(t, idx.Delete(context.Background(), Filter{"upload_id": "upload-a"}))
}

func TestSidecarPersistence(t *testing.T) {
	dir := t.TempDir()

	idx, err := New(Config{PersistDir: dir, Embedder: stubEmbedder{}})
	require.NoError(t, err)
	err = idx.Insert(context.Background(), []Doc{
		{ID: "p-1", Text: "persisted doc", Metadata: map[string]any{"upload_id": "u1", "amount": 42.0}},
	})
	require.NoError(t, err)

	reopened, err := New(Config{PersistDir: dir, Embedder: stubEmbedder{}})
	require.NoError(t, err)

	docs, err := reopened.QueryStructured(context.Background(), Filter{"upload_id": "u1"}, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "persisted doc", docs[0].Text)
	// numeric metadata survives the JSON round-trip as float64
	assert.True(t, Filter{"amount": map[string]any{"$gte": 40}}.Matches(
		map[string]any{"amount": docs[0].Metadata["amount"]}))
}
