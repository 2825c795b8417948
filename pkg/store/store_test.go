package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCacheKeyFormat(t *testing.T) {
	assert.Equal(t, "user-1:up-1:parsed", Key("user-1", "up-1", CacheParsed))
	assert.Equal(t, "user-1:up-1:insights", Key("user-1", "up-1", CacheInsights))
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("k", "v")
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is removed on read")
}

func TestCachePurgeUpload(t *testing.T) {
	c := NewCache(time.Hour)
	c.Set(Key("u1", "a", CacheParsed), 1)
	c.Set(Key("u1", "a", CacheInsights), 2)
	c.Set(Key("u1", "b", CacheParsed), 3)

	c.PurgeUpload("u1", "a")

	_, ok := c.Get(Key("u1", "a", CacheParsed))
	assert.False(t, ok)
	_, ok = c.Get(Key("u1", "b", CacheParsed))
	assert.True(t, ok)
}

func TestUploadLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u := &Upload{ID: "up-1", UserID: "user-1", Filename: "statement.csv"}
	require.NoError(t, s.CreateUpload(ctx, u))
	assert.Equal(t, StatusProcessing, u.Status)

	require.NoError(t, s.UpdateUploadStatus(ctx, "user-1", "up-1", StatusCompleted, "transactions", ""))

	got, err := s.GetUpload(ctx, "user-1", "up-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "transactions", got.DocType)

	// another user cannot see it
	_, err = s.GetUpload(ctx, "user-2", "up-1")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.UpdateUploadStatus(ctx, "user-2", "up-1", StatusFailed, "", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListUploadsPagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateUpload(ctx, &Upload{ID: id, UserID: "u1", Filename: id + ".csv"}))
	}
	require.NoError(t, s.CreateUpload(ctx, &Upload{ID: "x", UserID: "u2", Filename: "x.csv"}))

	page, err := s.ListUploads(ctx, "u1", 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := s.ListUploads(ctx, "u1", 2, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestParsedDataCacheFallback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	payload := map[string]any{"doc_type": "transactions", "count": 3.0}
	require.NoError(t, s.SaveParsedData(ctx, "u1", "up-1", payload))

	// hit the cache
	var fromCache map[string]any
	require.NoError(t, s.GetParsedData(ctx, "u1", "up-1", &fromCache))
	assert.Equal(t, 3.0, fromCache["count"])

	// drop the cache; the database still serves it
	s.cache.PurgeUpload("u1", "up-1")
	var fromDB map[string]any
	require.NoError(t, s.GetParsedData(ctx, "u1", "up-1", &fromDB))
	assert.Equal(t, 3.0, fromDB["count"])

	var missing map[string]any
	err := s.GetParsedData(ctx, "u1", "gone", &missing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChatMessagesOrdered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendChatMessage(ctx, "u1", "up-1", "user", "q1", ""))
	require.NoError(t, s.AppendChatMessage(ctx, "u1", "up-1", "assistant", "a1", "expense"))
	require.NoError(t, s.AppendChatMessage(ctx, "u1", "up-1", "user", "q2", ""))

	messages, err := s.ListChatMessages(ctx, "u1", "up-1", 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, []string{"q1", "a1", "q2"},
		[]string{messages[0].Content, messages[1].Content, messages[2].Content})

	assert.Empty(t, messages[0].AgentName)
	assert.Equal(t, "expense", messages[1].AgentName, "assistant turns carry the answering agent")
}

func TestLatestResultsPerAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAnalysisResult(ctx, "u1", "up-1", AnalysisRow{
		AgentName: "expense", Status: "failed", Summary: "first try"}))
	require.NoError(t, s.SaveAnalysisResult(ctx, "u1", "up-1", AnalysisRow{
		AgentName: "expense", Status: "completed", Summary: "second try", FindingsJSON: `{"x":1}`}))
	require.NoError(t, s.SaveAnalysisResult(ctx, "u1", "up-1", AnalysisRow{
		AgentName: "income", Status: "completed", Summary: "income ok"}))

	results, err := s.LatestResults(ctx, "u1", "up-1")
	require.NoError(t, err)
	require.Len(t, results, 2, "one row per agent")

	byAgent := map[string]AnalysisRow{}
	for _, r := range results {
		byAgent[r.AgentName] = r
	}
	assert.Equal(t, "second try", byAgent["expense"].Summary)
	assert.Equal(t, "completed", byAgent["expense"].Status)
}

func TestSaveResultInvalidatesInsightsCache(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAnalysisResult(ctx, "u1", "up-1", AnalysisRow{
		AgentName: "expense", Status: "completed", Summary: "v1"}))
	_, err := s.LatestResults(ctx, "u1", "up-1") // populates cache
	require.NoError(t, err)

	require.NoError(t, s.SaveAnalysisResult(ctx, "u1", "up-1", AnalysisRow{
		AgentName: "expense", Status: "completed", Summary: "v2"}))

	results, err := s.LatestResults(ctx, "u1", "up-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "v2", results[0].Summary)
}

func TestDeleteWorkspaceCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUpload(ctx, &Upload{ID: "up-1", UserID: "u1", Filename: "f.csv"}))
	require.NoError(t, s.SaveParsedData(ctx, "u1", "up-1", map[string]any{"k": "v"}))
	require.NoError(t, s.AppendChatMessage(ctx, "u1", "up-1", "user", "hello", ""))
	require.NoError(t, s.SaveAnalysisResult(ctx, "u1", "up-1", AnalysisRow{AgentName: "expense", Status: "completed"}))

	require.NoError(t, s.DeleteWorkspace(ctx, "u1", "up-1"))

	_, err := s.GetUpload(ctx, "u1", "up-1")
	assert.ErrorIs(t, err, ErrNotFound)
	var payload map[string]any
	assert.ErrorIs(t, s.GetParsedData(ctx, "u1", "up-1", &payload), ErrNotFound)
	messages, err := s.ListChatMessages(ctx, "u1", "up-1", 0)
	require.NoError(t, err)
	assert.Empty(t, messages)
	results, err := s.LatestResults(ctx, "u1", "up-1")
	require.NoError(t, err)
	assert.Empty(t, results)

	// second delete reports not found
	assert.ErrorIs(t, s.DeleteWorkspace(ctx, "u1", "up-1"), ErrNotFound)
}

func TestDeleteWorkspaceWrongUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUpload(ctx, &Upload{ID: "up-1", UserID: "u1", Filename: "f.csv"}))
	assert.ErrorIs(t, s.DeleteWorkspace(ctx, "u2", "up-1"), ErrNotFound)

	_, err := s.GetUpload(ctx, "u1", "up-1")
	assert.NoError(t, err, "owner's workspace untouched")
}
