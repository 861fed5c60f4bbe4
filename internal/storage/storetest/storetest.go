// Package storetest holds the behavioral test suite every trace-store
// implementation must pass.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/featurespec/internal/integrity"
	"github.com/ashita-ai/featurespec/internal/model"
	"github.com/ashita-ai/featurespec/internal/storage"
	"github.com/ashita-ai/featurespec/internal/testutil"
)

// Opener returns a store whose timestamps come from clock. Each call must
// return an isolated store (or one where sessions do not collide).
type Opener func(t *testing.T, clock *testutil.Clock) storage.Store

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

// Run executes the full suite against stores produced by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, open Opener)
	}{
		{"CreateRunStartsOpen", testCreateRunStartsOpen},
		{"CompleteRunIdempotent", testCompleteRunIdempotent},
		{"CompleteRunConflict", testCompleteRunConflict},
		{"CompleteRunNotFound", testCompleteRunNotFound},
		{"AppendOrdering", testAppendOrdering},
		{"AppendUnknownRun", testAppendUnknownRun},
		{"RawResponseVerbatim", testRawResponseVerbatim},
		{"RunDetailNotFound", testRunDetailNotFound},
		{"RunHistoryOrderAndLimit", testRunHistoryOrderAndLimit},
		{"RunHistoryFilters", testRunHistoryFilters},
		{"RunHistoryRestartable", testRunHistoryRestartable},
		{"CacheMissIsNotError", testCacheMiss},
		{"CacheTTLExpiry", testCacheTTLExpiry},
		{"CacheUpsertLastWriterWins", testCacheUpsert},
		{"CleanupOldRuns", testCleanupOldRuns},
		{"CleanupCache", testCleanupCache},
		{"CheckIntegrityClean", testCheckIntegrityClean},
		{"ConcurrentAppendsSameRun", testConcurrentAppends},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) { tt.fn(t, open) })
	}
}

func session(t *testing.T) string {
	return fmt.Sprintf("s-%s-%d", t.Name(), time.Now().UnixNano())
}

func testCreateRunStartsOpen(t *testing.T, open Opener) {
	ctx := context.Background()
	s := open(t, testutil.NewClock(epoch))

	id, err := s.CreateRun(ctx, session(t), "Create REST API")
	require.NoError(t, err)
	assert.Positive(t, id)

	run, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Create REST API", run.Input)
	assert.Nil(t, run.FinalOutput)
	assert.Nil(t, run.OutputType)
	assert.Nil(t, run.LastAgent)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.True(t, run.CreatedAt.Equal(epoch), "created_at comes from the store clock")
}

func testCompleteRunIdempotent(t *testing.T, open Opener) {
	ctx := context.Background()
	s := open(t, testutil.NewClock(epoch))

	id, err := s.CreateRun(ctx, session(t), "prompt")
	require.NoError(t, err)

	require.NoError(t, s.CompleteRun(ctx, id, "# Spec", "markdown", "local-coder"))
	first, err := s.GetRun(ctx, id)
	require.NoError(t, err)

	require.NoError(t, s.CompleteRun(ctx, id, "# Spec", "markdown", "local-coder"))
	second, err := s.GetRun(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, model.RunStatusCompleted, second.Status)
	assert.Equal(t, "local-coder", *second.LastAgent)
}

func testCompleteRunConflict(t *testing.T, open Opener) {
	ctx := context.Background()
	s := open(t, testutil.NewClock(epoch))

	id, err := s.CreateRun(ctx, session(t), "prompt")
	require.NoError(t, err)
	require.NoError(t, s.CompleteRun(ctx, id, "a", "text", "b1"))

	err = s.CompleteRun(ctx, id, "different", "text", "b1")
	require.ErrorIs(t, err, model.ErrRunAlreadyCompleted)

	run, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a", *run.FinalOutput, "first completion wins")
}

func testCompleteRunNotFound(t *testing.T, open Opener) {
	s := open(t, testutil.NewClock(epoch))
	err := s.CompleteRun(context.Background(), 987654321, "x", "text", "b")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testAppendOrdering(t *testing.T, open Opener) {
	ctx := context.Background()
	clock := testutil.NewClock(epoch)
	s := open(t, clock)

	id, err := s.CreateRun(ctx, session(t), "prompt")
	require.NoError(t, err)

	// Identical timestamps force seq to break ties.
	g, err := s.AppendGuardrailResult(ctx, id, model.GuardrailInput, json.RawMessage(`{"passed":true}`))
	require.NoError(t, err)
	it1, err := s.AppendItem(ctx, id, model.ItemModelCall, json.RawMessage(`{"attempt":1}`), strPtr("router"), strPtr("a"))
	require.NoError(t, err)
	raw, err := s.AppendRawResponse(ctx, id, json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	it2, err := s.AppendItem(ctx, id, model.ItemModelCall, json.RawMessage(`{"attempt":2}`), strPtr("router"), strPtr("a"))
	require.NoError(t, err)
	clock.Advance(time.Second)
	it3, err := s.AppendItem(ctx, id, model.ItemFinalOutput, json.RawMessage(`{"cache_hit":false}`), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, []int64{g.Seq, it1.Seq, raw.Seq, it2.Seq, it3.Seq})

	detail, err := s.GetRunDetail(ctx, id)
	require.NoError(t, err)
	require.Len(t, detail.Items, 3)
	assert.Equal(t, []int64{2, 4, 5}, []int64{detail.Items[0].Seq, detail.Items[1].Seq, detail.Items[2].Seq})
	assert.JSONEq(t, `{"attempt":1}`, string(detail.Items[0].Payload))
	assert.Equal(t, "router", *detail.Items[0].SourceAgent)
	assert.Nil(t, detail.Items[2].SourceAgent)
	require.Len(t, detail.Guardrails, 1)
	assert.Equal(t, model.GuardrailInput, detail.Guardrails[0].GuardrailType)
	require.Len(t, detail.RawResponses, 1)
	assert.Equal(t, raw.ContentHash, detail.TraceDigest, "single leaf digest is the leaf")
}

func testAppendUnknownRun(t *testing.T, open Opener) {
	ctx := context.Background()
	s := open(t, testutil.NewClock(epoch))

	_, err := s.AppendItem(ctx, 987654321, model.ItemMessage, json.RawMessage(`{}`), nil, nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.AppendRawResponse(ctx, 987654321, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testRawResponseVerbatim(t *testing.T, open Opener) {
	ctx := context.Background()
	s := open(t, testutil.NewClock(epoch))

	id, err := s.CreateRun(ctx, session(t), "prompt")
	require.NoError(t, err)

	// Whitespace and key order must survive the round trip untouched.
	payloads := []string{
		`{"z": 1,   "a": [1, 2]}`,
		`{"choices":[{"message":{"content":"two"}}]}`,
		`{"b":2}`,
	}
	var hashes []string
	for _, p := range payloads {
		r, err := s.AppendRawResponse(ctx, id, json.RawMessage(p))
		require.NoError(t, err)
		assert.True(t, integrity.VerifyContentHash(r.ContentHash, id, []byte(p)))
		hashes = append(hashes, r.ContentHash)
	}

	detail, err := s.GetRunDetail(ctx, id)
	require.NoError(t, err)
	require.Len(t, detail.RawResponses, len(payloads))
	for i, p := range payloads {
		assert.Equal(t, p, string(detail.RawResponses[i].Payload))
	}
	assert.Equal(t, integrity.BuildMerkleRoot(hashes), detail.TraceDigest)
}

func testRunDetailNotFound(t *testing.T, open Opener) {
	s := open(t, testutil.NewClock(epoch))
	_, err := s.GetRunDetail(context.Background(), 987654321)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.False(t, model.IsStorageError(err), "not found is not an I/O failure")
}

func collect(t *testing.T, s storage.Store, limit int, f model.RunFilter) []model.Run {
	t.Helper()
	var runs []model.Run
	for run, err := range s.RunHistory(context.Background(), limit, f) {
		require.NoError(t, err)
		runs = append(runs, run)
	}
	return runs
}

func testRunHistoryOrderAndLimit(t *testing.T, open Opener) {
	ctx := context.Background()
	clock := testutil.NewClock(epoch)
	s := open(t, clock)
	sess := session(t)

	var ids []int64
	for i := range 5 {
		id, err := s.CreateRun(ctx, sess, fmt.Sprintf("p%d", i))
		require.NoError(t, err)
		ids = append(ids, id)
		clock.Advance(time.Minute)
	}

	runs := collect(t, s, 3, model.RunFilter{SessionID: sess})
	require.Len(t, runs, 3)
	assert.Equal(t, []int64{ids[4], ids[3], ids[2]}, []int64{runs[0].ID, runs[1].ID, runs[2].ID})
}

func testRunHistoryFilters(t *testing.T, open Opener) {
	ctx := context.Background()
	clock := testutil.NewClock(epoch)
	s := open(t, clock)
	sess := session(t)

	a, err := s.CreateRun(ctx, sess, "a")
	require.NoError(t, err)
	require.NoError(t, s.CompleteRun(ctx, a, "x", "markdown", "local-coder"))
	clock.Advance(time.Hour)

	b, err := s.CreateRun(ctx, sess, "b")
	require.NoError(t, err)
	require.NoError(t, s.CompleteRun(ctx, b, "y", "json", "remote-gpt"))
	clock.Advance(time.Hour)

	c, err := s.CreateRun(ctx, sess, "c")
	require.NoError(t, err)

	byAgent := collect(t, s, 10, model.RunFilter{SessionID: sess, LastAgent: "remote-gpt"})
	require.Len(t, byAgent, 1)
	assert.Equal(t, b, byAgent[0].ID)

	byType := collect(t, s, 10, model.RunFilter{SessionID: sess, OutputType: "markdown"})
	require.Len(t, byType, 1)
	assert.Equal(t, a, byType[0].ID)

	since := epoch.Add(30 * time.Minute)
	until := epoch.Add(90 * time.Minute)
	window := collect(t, s, 10, model.RunFilter{SessionID: sess, Since: &since, Until: &until})
	require.Len(t, window, 1)
	assert.Equal(t, b, window[0].ID)

	open1 := collect(t, s, 10, model.RunFilter{SessionID: sess})
	require.Len(t, open1, 3)
	assert.Equal(t, c, open1[0].ID)
	assert.Equal(t, model.RunStatusRunning, open1[0].Status)

	assert.Empty(t, collect(t, s, 10, model.RunFilter{SessionID: sess + "-other"}))
}

func testRunHistoryRestartable(t *testing.T, open Opener) {
	ctx := context.Background()
	clock := testutil.NewClock(epoch)
	s := open(t, clock)
	sess := session(t)

	for i := range 3 {
		_, err := s.CreateRun(ctx, sess, fmt.Sprintf("p%d", i))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	seq := s.RunHistory(ctx, 10, model.RunFilter{SessionID: sess})

	// Break early, then range again from the start.
	for _, err := range seq {
		require.NoError(t, err)
		break
	}
	_, err := s.CreateRun(ctx, sess, "late")
	require.NoError(t, err)

	n := 0
	for run, err := range seq {
		require.NoError(t, err)
		if n == 0 {
			assert.Equal(t, "late", run.Input, "re-ranging re-queries")
		}
		n++
	}
	assert.Equal(t, 4, n)
}

func testCacheMiss(t *testing.T, open Opener) {
	s := open(t, testutil.NewClock(epoch))
	e, ok, err := s.GetCache(context.Background(), "no-such-key", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, e.Response)
}

func testCacheTTLExpiry(t *testing.T, open Opener) {
	ctx := context.Background()
	clock := testutil.NewClock(epoch)
	s := open(t, clock)
	key := "ttl-" + session(t)
	ttl := time.Hour

	require.NoError(t, s.SetCache(ctx, key, "cached", model.CacheMetadata{Model: "coder-7b", Backend: "local-coder"}))

	clock.Advance(ttl - time.Second)
	e, ok, err := s.GetCache(ctx, key, ttl)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cached", e.Response)
	assert.Equal(t, "local-coder", e.Metadata.Backend)
	assert.Equal(t, "coder-7b", e.Metadata.Model)
	assert.True(t, e.CreatedAt.Equal(epoch))

	clock.Set(epoch.Add(ttl))
	_, ok, err = s.GetCache(ctx, key, ttl)
	require.NoError(t, err)
	assert.False(t, ok, "entry is a miss at T+ttl")

	_, ok, err = s.GetCache(ctx, key, 0)
	require.NoError(t, err)
	assert.True(t, ok, "expired entries stay until cleanup")
}

func testCacheUpsert(t *testing.T, open Opener) {
	ctx := context.Background()
	clock := testutil.NewClock(epoch)
	s := open(t, clock)
	key := "upsert-" + session(t)

	require.NoError(t, s.SetCache(ctx, key, "first", model.CacheMetadata{Backend: "a"}))
	clock.Advance(time.Minute)
	require.NoError(t, s.SetCache(ctx, key, "second", model.CacheMetadata{Backend: "b"}))

	e, ok, err := s.GetCache(ctx, key, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", e.Response)
	assert.Equal(t, "b", e.Metadata.Backend)
	assert.True(t, e.CreatedAt.Equal(epoch.Add(time.Minute)))
}

func testCleanupOldRuns(t *testing.T, open Opener) {
	ctx := context.Background()
	clock := testutil.NewClock(epoch)
	s := open(t, clock)
	sess := session(t)

	old, err := s.CreateRun(ctx, sess, "old")
	require.NoError(t, err)
	_, err = s.AppendItem(ctx, old, model.ItemMessage, json.RawMessage(`{}`), nil, nil)
	require.NoError(t, err)
	_, err = s.AppendGuardrailResult(ctx, old, model.GuardrailInput, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = s.AppendRawResponse(ctx, old, json.RawMessage(`{}`))
	require.NoError(t, err)

	clock.Advance(10 * 24 * time.Hour)
	fresh, err := s.CreateRun(ctx, sess, "fresh")
	require.NoError(t, err)

	counts, err := s.CleanupOldRuns(ctx, 7)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts.Runs, int64(1))
	assert.GreaterOrEqual(t, counts.Items, int64(1))
	assert.GreaterOrEqual(t, counts.Guardrails, int64(1))
	assert.GreaterOrEqual(t, counts.RawResponses, int64(1))

	_, err = s.GetRunDetail(ctx, old)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetRun(ctx, fresh)
	assert.NoError(t, err)

	report, err := s.CheckIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "cascade leaves no orphans: %+v", report)
}

func testCleanupCache(t *testing.T, open Opener) {
	ctx := context.Background()
	clock := testutil.NewClock(epoch)
	s := open(t, clock)
	sess := session(t)

	require.NoError(t, s.SetCache(ctx, "old-"+sess, "x", model.CacheMetadata{}))
	clock.Advance(2 * time.Hour)
	require.NoError(t, s.SetCache(ctx, "new-"+sess, "y", model.CacheMetadata{}))

	counts, err := s.CleanupCache(ctx, time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts.CacheEntries, int64(1))

	_, ok, err := s.GetCache(ctx, "old-"+sess, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.GetCache(ctx, "new-"+sess, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func testCheckIntegrityClean(t *testing.T, open Opener) {
	ctx := context.Background()
	s := open(t, testutil.NewClock(epoch))

	id, err := s.CreateRun(ctx, session(t), "p")
	require.NoError(t, err)
	_, err = s.AppendRawResponse(ctx, id, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)

	report, err := s.CheckIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report)
	assert.Positive(t, report.RunsChecked)
}

func testConcurrentAppends(t *testing.T, open Opener) {
	ctx := context.Background()
	s := open(t, testutil.NewClock(epoch))

	id, err := s.CreateRun(ctx, session(t), "p")
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendItem(ctx, id, model.ItemMessage, json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)), nil, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	detail, err := s.GetRunDetail(ctx, id)
	require.NoError(t, err)
	require.Len(t, detail.Items, n)
	for i, it := range detail.Items {
		assert.Equal(t, int64(i+1), it.Seq, "seq is gap-free and unique")
	}
}
