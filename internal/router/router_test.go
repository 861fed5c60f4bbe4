package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/featurespec/internal/backend"
	"github.com/ashita-ai/featurespec/internal/model"
	"github.com/ashita-ai/featurespec/internal/registry"
	"github.com/ashita-ai/featurespec/internal/testutil"
)

// event is one trace write, in order.
type event struct {
	kind    string // "item" or "raw"
	payload json.RawMessage
}

type fakeTrace struct {
	mu      sync.Mutex
	events  []event
	failRaw error
}

func (f *fakeTrace) AppendItem(_ context.Context, runID int64, itemType model.ItemType, payload json.RawMessage, _, _ *string) (model.RunItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event{kind: "item", payload: payload})
	return model.RunItem{RunID: runID, ItemType: itemType, Payload: payload}, nil
}

func (f *fakeTrace) AppendRawResponse(_ context.Context, runID int64, payload json.RawMessage) (model.RawResponse, error) {
	if f.failRaw != nil {
		return model.RawResponse{}, f.failRaw
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event{kind: "raw", payload: payload})
	return model.RawResponse{RunID: runID, Payload: payload}, nil
}

func (f *fakeTrace) calls(t *testing.T) []model.ModelCallPayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ModelCallPayload
	for _, e := range f.events {
		if e.kind != "item" {
			continue
		}
		var p model.ModelCallPayload
		require.NoError(t, json.Unmarshal(e.payload, &p))
		out = append(out, p)
	}
	return out
}

func failing(name string, kind backend.Kind, calls *atomic.Int64) backend.Backend {
	return backend.Func{BackendName: name, Fn: func(context.Context, backend.Request) (backend.Response, error) {
		calls.Add(1)
		return backend.Response{}, &backend.Error{Backend: name, Kind: kind, Message: "scripted"}
	}}
}

func succeeding(name, text string, calls *atomic.Int64) backend.Backend {
	return backend.Func{BackendName: name, Fn: func(_ context.Context, req backend.Request) (backend.Response, error) {
		calls.Add(1)
		return backend.Response{Text: text, Model: req.Model, Body: &backend.Body{Status: 200, Bytes: []byte(`{"out":"` + text + `"}`)}}, nil
	}}
}

func desc(name string) registry.Descriptor {
	return registry.Descriptor{Name: name, DefaultModel: name + "-default"}
}

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func TestFallbackOrdering(t *testing.T) {
	var a, b, c atomic.Int64
	tr := &fakeTrace{}
	sleeps := &recordedSleeps{}
	e := New(map[string]backend.Backend{
		"A": failing("A", backend.KindAuth, &a),
		"B": failing("B", backend.KindUnavailable, &b),
		"C": succeeding("C", "done", &c),
	}, tr, testutil.TestLogger(), WithSleep(sleeps.sleep), WithRandomization(0))

	policy := Policy{MaxAttempts: 3, BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}
	res, err := e.Route(context.Background(), 1, []registry.Descriptor{desc("A"), desc("B"), desc("C")},
		backend.Request{Prompt: "p", Model: "A-requested"}, policy)
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.Load())
	assert.Equal(t, int64(3), b.Load())
	assert.Equal(t, int64(1), c.Load())
	assert.Equal(t, "C", res.Backend)
	assert.Equal(t, "done", res.Response.Text)

	calls := tr.calls(t)
	require.Len(t, calls, 5)
	want := []struct {
		backend string
		attempt int
		outcome model.CallOutcome
	}{
		{"A", 1, model.OutcomeFailure},
		{"B", 1, model.OutcomeFailure},
		{"B", 2, model.OutcomeFailure},
		{"B", 3, model.OutcomeFailure},
		{"C", 1, model.OutcomeSuccess},
	}
	for i, w := range want {
		assert.Equal(t, w.backend, calls[i].Backend, "call %d", i)
		assert.Equal(t, w.attempt, calls[i].Attempt, "call %d", i)
		assert.Equal(t, w.outcome, calls[i].Outcome, "call %d", i)
	}
	assert.Equal(t, "auth", calls[0].ErrorKind)
	assert.Equal(t, "A-requested", calls[0].Model)
	assert.Equal(t, "B-default", calls[1].Model)

	// Backoff only between retries of the same backend.
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeps.delays)
	require.Len(t, res.Attempts, 5)
}

func TestRawResponseWrittenBeforeItem(t *testing.T) {
	var c atomic.Int64
	tr := &fakeTrace{}
	e := New(map[string]backend.Backend{"C": succeeding("C", "x", &c)}, tr, testutil.TestLogger())

	_, err := e.Route(context.Background(), 1, []registry.Descriptor{desc("C")}, backend.Request{}, Policy{MaxAttempts: 1})
	require.NoError(t, err)

	require.Len(t, tr.events, 2)
	assert.Equal(t, "raw", tr.events[0].kind)
	assert.JSONEq(t, `{"out":"x"}`, string(tr.events[0].payload))
	assert.Equal(t, "item", tr.events[1].kind)
}

func TestErrorBodyRecordedAsRawResponse(t *testing.T) {
	tr := &fakeTrace{}
	b := backend.Func{BackendName: "A", Fn: func(context.Context, backend.Request) (backend.Response, error) {
		return backend.Response{}, &backend.Error{Backend: "A", Kind: backend.KindMalformedRequest, StatusCode: 400, Body: &backend.Body{Status: 400, Bytes: []byte(`{"error":{"message":"bad"}}`)}}
	}}
	e := New(map[string]backend.Backend{"A": b}, tr, testutil.TestLogger())

	_, err := e.Route(context.Background(), 1, []registry.Descriptor{desc("A")}, backend.Request{}, Policy{MaxAttempts: 3})
	var exhausted *RoutingExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 1, "non-retryable failure must not retry")

	require.Len(t, tr.events, 2)
	assert.Equal(t, "raw", tr.events[0].kind)
}

func TestNonJSONBodiesRecordedAsRawResponses(t *testing.T) {
	cases := []struct {
		name        string
		status      int
		contentType string
		body        string
	}{
		{"success body that is not json", http.StatusOK, "text/plain", "not json"},
		{"html gateway page", http.StatusBadGateway, "text/html", "<html><h1>502 Bad Gateway</h1></html>"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tc.contentType)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			tr := &fakeTrace{}
			b := backend.NewOllama("local", srv.URL, nil, srv.Client())
			e := New(map[string]backend.Backend{"local": b}, tr, testutil.TestLogger())

			_, err := e.Route(context.Background(), 1, []registry.Descriptor{desc("local")}, backend.Request{}, Policy{MaxAttempts: 1})
			var exhausted *RoutingExhaustedError
			require.ErrorAs(t, err, &exhausted)
			require.Len(t, exhausted.Attempts, 1)
			assert.True(t, exhausted.Attempts[0].RawRecorded)

			require.Len(t, tr.events, 2)
			assert.Equal(t, "raw", tr.events[0].kind)
			var stored struct {
				Status      int    `json:"status"`
				ContentType string `json:"content_type"`
				Body        string `json:"body"`
			}
			require.NoError(t, json.Unmarshal(tr.events[0].payload, &stored))
			assert.Equal(t, tc.status, stored.Status)
			assert.Equal(t, tc.contentType, stored.ContentType)
			assert.Equal(t, tc.body, stored.Body)
		})
	}
}

func TestAllFailReportsEveryAttempt(t *testing.T) {
	var a, b atomic.Int64
	tr := &fakeTrace{}
	e := New(map[string]backend.Backend{
		"A": failing("A", backend.KindRateLimited, &a),
		"B": failing("B", backend.KindQuotaExhausted, &b),
	}, tr, testutil.TestLogger(), WithSleep((&recordedSleeps{}).sleep))

	_, err := e.Route(context.Background(), 7, []registry.Descriptor{desc("A"), desc("B")}, backend.Request{}, Policy{MaxAttempts: 2})
	var exhausted *RoutingExhaustedError
	require.ErrorAs(t, err, &exhausted)

	assert.Len(t, exhausted.Attempts, 3)
	assert.Equal(t, []string{"A", "B"}, exhausted.Backends())
	details := exhausted.Details()
	assert.Equal(t, "rate_limited", details[0].Kind)
	assert.Equal(t, "quota_exhausted", details[2].Kind)
	assert.Contains(t, err.Error(), "A#2: rate_limited")
	assert.Len(t, tr.calls(t), 3)
}

func TestPerCallTimeoutIsRetryable(t *testing.T) {
	var calls atomic.Int64
	slow := backend.Func{BackendName: "S", Fn: func(ctx context.Context, _ backend.Request) (backend.Response, error) {
		calls.Add(1)
		<-ctx.Done()
		return backend.Response{}, ctx.Err()
	}}
	tr := &fakeTrace{}
	e := New(map[string]backend.Backend{"S": slow}, tr, testutil.TestLogger(), WithSleep((&recordedSleeps{}).sleep))

	_, err := e.Route(context.Background(), 1, []registry.Descriptor{desc("S")}, backend.Request{}, Policy{MaxAttempts: 2, Timeout: 10 * time.Millisecond})
	var exhausted *RoutingExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, backend.KindTimeout, exhausted.Attempts[0].Err.Kind)
	assert.Nil(t, exhausted.Cause)
}

func TestParentCancellationStopsRouting(t *testing.T) {
	var a atomic.Int64
	tr := &fakeTrace{}
	ctx, cancel := context.WithCancel(context.Background())
	e := New(map[string]backend.Backend{"A": failing("A", backend.KindUnavailable, &a)}, tr, testutil.TestLogger(),
		WithSleep(func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}))

	_, err := e.Route(ctx, 1, []registry.Descriptor{desc("A")}, backend.Request{}, Policy{MaxAttempts: 3})
	var exhausted *RoutingExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(1), a.Load())
}

func TestTraceFailureAborts(t *testing.T) {
	var c atomic.Int64
	boom := errors.New("disk full")
	tr := &fakeTrace{failRaw: boom}
	e := New(map[string]backend.Backend{"C": succeeding("C", "x", &c)}, tr, testutil.TestLogger())

	_, err := e.Route(context.Background(), 1, []registry.Descriptor{desc("C"), desc("D")}, backend.Request{}, Policy{MaxAttempts: 1})
	require.ErrorIs(t, err, boom)
	var exhausted *RoutingExhaustedError
	assert.False(t, errors.As(err, &exhausted))
}

func TestUnconfiguredBackendIsSkipped(t *testing.T) {
	var c atomic.Int64
	tr := &fakeTrace{}
	e := New(map[string]backend.Backend{"C": succeeding("C", "x", &c)}, tr, testutil.TestLogger())

	res, err := e.Route(context.Background(), 1, []registry.Descriptor{desc("missing"), desc("C")}, backend.Request{}, Policy{MaxAttempts: 3})
	require.NoError(t, err)
	assert.Equal(t, "C", res.Backend)
	assert.Equal(t, "unavailable", tr.calls(t)[0].ErrorKind)
}

func TestEmptyChain(t *testing.T) {
	e := New(nil, &fakeTrace{}, testutil.TestLogger())
	_, err := e.Route(context.Background(), 1, nil, backend.Request{}, DefaultPolicy)
	assert.Error(t, err)
}

func TestBackoffSchedule(t *testing.T) {
	e := New(nil, &fakeTrace{}, testutil.TestLogger(), WithRandomization(0))
	p := Policy{BackoffBase: 100 * time.Millisecond, BackoffMax: 500 * time.Millisecond}

	delays := e.schedule(p)
	for _, want := range []time.Duration{100, 200, 400, 500, 500} {
		assert.Equal(t, want*time.Millisecond, delays.next())
	}
	assert.Zero(t, e.schedule(Policy{}).next())

	jittered := New(nil, &fakeTrace{}, testutil.TestLogger(), WithRandomization(0.5)).schedule(p)
	first := jittered.next()
	assert.GreaterOrEqual(t, first, 50*time.Millisecond)
	assert.LessOrEqual(t, first, 150*time.Millisecond)
	for range 20 {
		assert.LessOrEqual(t, jittered.next(), 500*time.Millisecond, "jitter never exceeds the cap")
	}
}

func TestConcurrencyGate(t *testing.T) {
	var inFlight, peak atomic.Int64
	b := backend.Func{BackendName: "L", Fn: func(context.Context, backend.Request) (backend.Response, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return backend.Response{Text: "ok"}, nil
	}}
	d := registry.Descriptor{Name: "L", DefaultModel: "m", MaxConcurrency: 1}
	e := New(map[string]backend.Backend{"L": b}, &fakeTrace{}, testutil.TestLogger(), WithConcurrency([]registry.Descriptor{d}))

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Route(context.Background(), 1, []registry.Descriptor{d}, backend.Request{}, Policy{MaxAttempts: 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), peak.Load())
}
