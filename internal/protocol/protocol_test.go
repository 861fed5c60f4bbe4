package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/featurespec/internal/service/orchestrator"
	"github.com/ashita-ai/featurespec/internal/service/status"
)

type fakeExec struct {
	mu    sync.Mutex
	calls []orchestrator.Request
	fn    func(orchestrator.Request) (orchestrator.Result, error)
}

func (f *fakeExec) Execute(_ context.Context, req orchestrator.Request) (orchestrator.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.fn(req)
}

type fakeStatus struct{}

func (fakeStatus) Compute(context.Context) *status.Report {
	return &status.Report{Status: status.StatusHealthy, Env: map[string]string{"OPENAI_API_KEY": "configured"}}
}

func okExec() *fakeExec {
	return &fakeExec{fn: func(req orchestrator.Request) (orchestrator.Result, error) {
		return orchestrator.Result{
			RunID: 7, Output: `{"name":"x"}`, OutputType: orchestrator.FormatJSON, Backend: "local-coder",
			Items: 3, Guardrails: 2, RawResponses: 1,
		}, nil
	}}
}

func TestDecodeMessage(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"content":"login page","metadata":{"options":{"model":"gpt-4o","temperature":0.2,"max_tokens":100}}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeFeature, msg.Metadata.Type)
	assert.Equal(t, "gpt-4o", msg.Metadata.Options.Model)
	require.NotNil(t, msg.Metadata.Options.Temperature)
	assert.InDelta(t, 0.2, *msg.Metadata.Options.Temperature, 1e-9)
	assert.Equal(t, 100, msg.Metadata.Options.MaxTokens)

	_, err = DecodeMessage([]byte(`{"content":`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestHandleFeature(t *testing.T) {
	exec := okExec()
	h := NewHandler(exec, fakeStatus{}, nil)
	temp := 0.1
	resp := h.Handle(context.Background(), Message{
		ID:      "req-1",
		Content: "add login",
		Metadata: Metadata{Type: TypeFeature, Options: Options{
			Model: "local-coder", Temperature: &temp, Format: "json", SessionID: "s1",
		}},
	})

	assert.Equal(t, "req-1", resp.ID)
	assert.Equal(t, StatusSuccess, resp.Metadata.Status)
	assert.Equal(t, int64(7), resp.Metadata.RunID)
	assert.Equal(t, 3, resp.Metadata.Items)
	assert.Equal(t, 2, resp.Metadata.Guardrails)
	assert.Equal(t, 1, resp.Metadata.RawResponses)
	assert.Equal(t, json.RawMessage(`{"name":"x"}`), resp.Content)

	require.Len(t, exec.calls, 1)
	got := exec.calls[0]
	assert.Equal(t, "add login", got.Prompt)
	assert.Equal(t, "local-coder", got.Model)
	assert.Equal(t, "s1", got.SessionID)
	assert.Same(t, &temp, got.Temperature)
}

func TestHandleFeatureFailure(t *testing.T) {
	exec := &fakeExec{fn: func(orchestrator.Request) (orchestrator.Result, error) {
		return orchestrator.Result{RunID: 9, Items: 2, Guardrails: 1, RawResponses: 3},
			&orchestrator.Failure{Kind: orchestrator.KindRoutingExhausted, RunID: 9, Err: errors.New("all backends failed")}
	}}
	resp := NewHandler(exec, fakeStatus{}, nil).Handle(context.Background(), Message{Content: "x"})

	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, StatusError, resp.Metadata.Status)
	assert.Equal(t, int64(9), resp.Metadata.RunID)
	assert.Equal(t, 3, resp.Metadata.RawResponses)
	c, ok := resp.Content.(ErrorContent)
	require.True(t, ok)
	assert.Equal(t, "routing_exhausted", c.Kind)
}

func TestHandleStatusAndUnknown(t *testing.T) {
	h := NewHandler(okExec(), fakeStatus{}, nil)

	resp := h.Handle(context.Background(), Message{Metadata: Metadata{Type: TypeStatus}})
	assert.Equal(t, StatusSuccess, resp.Metadata.Status)
	rep, ok := resp.Content.(*status.Report)
	require.True(t, ok)
	assert.Equal(t, status.StatusHealthy, rep.Status)

	resp = h.Handle(context.Background(), Message{Metadata: Metadata{Type: "reboot"}})
	assert.Equal(t, StatusError, resp.Metadata.Status)
	assert.Equal(t, "unknown_command", resp.Metadata.Type)
}

func TestDispatcherSerializes(t *testing.T) {
	var mu sync.Mutex
	var active, peak int
	exec := &fakeExec{fn: func(orchestrator.Request) (orchestrator.Result, error) {
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return orchestrator.Result{Output: "ok", OutputType: "text"}, nil
	}}
	d := NewDispatcher(NewHandler(exec, fakeStatus{}, nil), 4, nil)
	d.Start()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := d.Submit(context.Background(), Message{Content: "p"})
			assert.NoError(t, err)
			assert.Equal(t, "ok", resp.Content)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, peak)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.Drain(ctx)
	_, err := d.Submit(context.Background(), Message{Content: "late"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDispatcherCancelledBeforeHandling(t *testing.T) {
	exec := okExec()
	d := NewDispatcher(NewHandler(exec, fakeStatus{}, nil), 1, nil)
	d.Start()
	t.Cleanup(func() { d.Drain(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Submit(ctx, Message{Content: "p"})
	// Either the enqueue or the handler observes the cancellation.
	if err == nil {
		assert.Empty(t, exec.calls)
	} else {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func newTransport(t *testing.T, exec *fakeExec) (*FileTransport, string, string) {
	t.Helper()
	dir := t.TempDir()
	inbox, outbox := filepath.Join(dir, "inbox"), filepath.Join(dir, "outbox")
	d := NewDispatcher(NewHandler(exec, fakeStatus{}, nil), 1, nil)
	d.Start()
	t.Cleanup(func() { d.Drain(context.Background()) })
	tr, err := NewFileTransport(inbox, outbox, 10*time.Millisecond, d, nil)
	require.NoError(t, err)
	return tr, inbox, outbox
}

func readResponse(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestFileTransportPoll(t *testing.T) {
	tr, inbox, outbox := newTransport(t, okExec())
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "a.json"),
		[]byte(`{"content":"add login","metadata":{"type":"feature"}}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "b.json"), []byte(`not json`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "notes.txt"), []byte(`ignored`), 0o600))

	n, err := tr.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	a := readResponse(t, filepath.Join(outbox, "a.json"))
	assert.Equal(t, "a", a["id"])
	meta := a["metadata"].(map[string]any)
	assert.Equal(t, StatusSuccess, meta["status"])
	assert.EqualValues(t, 3, meta["items"])
	assert.Equal(t, map[string]any{"name": "x"}, a["content"])

	b := readResponse(t, filepath.Join(outbox, "b.json"))
	assert.Equal(t, StatusError, b["metadata"].(map[string]any)["status"])
	assert.Equal(t, "malformed_message", b["metadata"].(map[string]any)["type"])

	assert.NoFileExists(t, filepath.Join(inbox, "a.json"))
	assert.NoFileExists(t, filepath.Join(inbox, "b.json"))
	assert.FileExists(t, filepath.Join(inbox, "notes.txt"))
	assert.NoFileExists(t, filepath.Join(outbox, "a.json.tmp"))
}

func TestFileTransportRun(t *testing.T) {
	tr, inbox, outbox := newTransport(t, okExec())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	tmp := filepath.Join(inbox, "late.json.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"content":"","metadata":{"type":"status"}}`), 0o600))
	require.NoError(t, os.Rename(tmp, filepath.Join(inbox, "late.json")))
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(outbox, "late.json"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	resp := readResponse(t, filepath.Join(outbox, "late.json"))
	assert.Equal(t, TypeStatus, resp["metadata"].(map[string]any)["type"])
}
