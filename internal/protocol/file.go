package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// DefaultPollInterval is how often the inbox is scanned.
const DefaultPollInterval = time.Second

// Submitter accepts a message and returns its response.
type Submitter interface {
	Submit(ctx context.Context, msg Message) (Response, error)
}

// FileTransport reads request files from an inbox directory and writes
// responses to an outbox directory. A request inbox/<name>.json produces
// outbox/<name>.json; the request file is removed once the response is on
// disk.
type FileTransport struct {
	inbox    string
	outbox   string
	interval time.Duration
	sub      Submitter
	logger   *slog.Logger
}

// NewFileTransport creates both directories if needed.
func NewFileTransport(inbox, outbox string, interval time.Duration, sub Submitter, logger *slog.Logger) (*FileTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	for _, dir := range []string{inbox, outbox} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("protocol: create %s: %w", dir, err)
		}
	}
	return &FileTransport{inbox: inbox, outbox: outbox, interval: interval, sub: sub, logger: logger}, nil
}

// Run polls the inbox until ctx is cancelled.
func (t *FileTransport) Run(ctx context.Context) error {
	t.logger.Info("protocol: watching inbox", "inbox", t.inbox, "outbox", t.outbox, "interval", t.interval)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		if _, err := t.Poll(ctx); err != nil && ctx.Err() == nil {
			t.logger.Error("protocol: poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll processes every pending request once, oldest name first. It returns
// the number of responses written.
func (t *FileTransport) Poll(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(t.inbox)
	if err != nil {
		return 0, fmt.Errorf("protocol: read inbox: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	var n int
	for _, name := range names {
		if ctx.Err() != nil {
			return n, nil
		}
		if err := t.process(ctx, name); err != nil {
			if errors.Is(err, ErrClosed) {
				return n, nil
			}
			t.logger.Error("protocol: process request", "file", name, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func (t *FileTransport) process(ctx context.Context, name string) error {
	path := filepath.Join(t.inbox, name)
	data, err := os.ReadFile(path) //nolint:gosec // path is built from the inbox listing
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	id := strings.TrimSuffix(name, ".json")

	var resp Response
	msg, err := DecodeMessage(data)
	if err != nil {
		t.logger.Warn("protocol: malformed request", "file", name, "error", err)
		resp = errorResponse(id, "malformed_message", "", err)
	} else {
		if msg.ID == "" {
			msg.ID = id
		}
		// A request already picked up runs to completion after shutdown
		// begins; Poll stops before the next one.
		resp, err = t.sub.Submit(context.WithoutCancel(ctx), msg)
		if err != nil {
			// Leave the request in place for the next run.
			return err
		}
	}

	if err := writeAtomic(filepath.Join(t.outbox, name), resp); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove request: %w", err)
	}
	t.logger.Info("protocol: response written", "file", name, "status", resp.Metadata.Status)
	return nil
}

// writeAtomic writes v as JSON via a synced temp file and rename, so readers
// of the outbox never see a partial response.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // path is built from the outbox dir
	if err != nil {
		return fmt.Errorf("write response tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write response tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync response tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close response tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename response: %w", err)
	}
	return nil
}
