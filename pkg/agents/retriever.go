package agents

import (
	"context"

	"github.com/mizanlabs/mizan/pkg/vector"
)

// ScopedRetriever wraps the vector index with a mandatory workspace
// filter. Every query it issues carries the upload_id, so no agent can
// retrieve another workspace's evidence regardless of what extra filters
// it passes.
type ScopedRetriever struct {
	index    *vector.Index
	uploadID string
}

func NewScopedRetriever(index *vector.Index, uploadID string) *ScopedRetriever {
	return &ScopedRetriever{index: index, uploadID: uploadID}
}

// Semantic runs an embedding search inside the workspace.
func (r *ScopedRetriever) Semantic(ctx context.Context, query string, k int, extra vector.Filter) ([]vector.Scored, error) {
	return r.index.QuerySemantic(ctx, query, k, r.scope(extra))
}

// Structured lists workspace documents matching the filter, newest first.
func (r *ScopedRetriever) Structured(ctx context.Context, extra vector.Filter, limit int) ([]vector.Doc, error) {
	return r.index.QueryStructured(ctx, r.scope(extra), limit)
}

// Count reports how many workspace documents match the filter.
func (r *ScopedRetriever) Count(extra vector.Filter) int {
	return r.index.Count(r.scope(extra))
}

func (r *ScopedRetriever) scope(extra vector.Filter) vector.Filter {
	scope := vector.Filter{"upload_id": r.uploadID}
	if len(extra) == 0 {
		return scope
	}
	return vector.Filter{"$and": []any{map[string]any(scope), map[string]any(extra)}}
}
