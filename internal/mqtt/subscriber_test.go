package mqtt

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeStopper struct {
	mu      sync.Mutex
	stopped []string
	err     error
}

func (f *fakeStopper) Stop(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return f.err
}

func TestCommandHandler_Stop(t *testing.T) {
	fs := &fakeStopper{}
	h := commandHandler("mcpattach", fs, slog.New(slog.NewTextHandler(io.Discard, nil)))

	h("mcpattach/fs/command", []byte(" STOP\n"))
	h("mcpattach/fs/command", []byte("restart"))
	h("mcpattach/git/status", []byte("stop"))
	h("other/fs/command", []byte("stop"))

	if len(fs.stopped) != 1 || fs.stopped[0] != "fs" {
		t.Errorf("stopped = %v, want [fs]", fs.stopped)
	}
}

func TestCommandHandler_StopErrorLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := commandHandler("mcpattach", &fakeStopper{err: errors.New("server not running")}, logger)

	h("mcpattach/fs/command", []byte("stop"))
	if !strings.Contains(buf.String(), "mqtt stop command failed") {
		t.Errorf("log = %s", buf.String())
	}
}

func TestCommandHandler_NilStopper(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := commandHandler("mcpattach", nil, logger)

	h("mcpattach/fs/command", []byte("stop"))
	if !strings.Contains(buf.String(), "mqtt commands disabled") {
		t.Errorf("log = %s", buf.String())
	}
}

func TestCommandServerID(t *testing.T) {
	tests := []struct {
		topic string
		want  string
		ok    bool
	}{
		{"lab/mcp/fs/command", "fs", true},
		{"lab/mcp/fs/status", "", false},
		{"lab/mcp//command", "", false},
		{"lab/mcp/a/b/command", "", false},
		{"lab/fs/command", "", false},
	}
	for _, tt := range tests {
		got, ok := commandServerID("lab/mcp", tt.topic)
		if got != tt.want || ok != tt.ok {
			t.Errorf("commandServerID(%q) = %q, %v; want %q, %v", tt.topic, got, ok, tt.want, tt.ok)
		}
	}
}

func TestMessageRateLimiter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(5, time.Second, logger)

	// First 5 should be allowed.
	for i := range 5 {
		if !rl.allow() {
			t.Errorf("message %d should have been allowed", i)
		}
	}

	// 6th should be dropped.
	if rl.allow() {
		t.Error("message 6 should have been rate-limited")
	}

	if dropped := rl.dropped.Load(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestMessageRateLimiter_Concurrent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(1000, time.Second, logger)

	// Hammer the rate limiter from multiple goroutines.
	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 200 {
				rl.allow()
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}

	// count tracks all calls to allow(); dropped tracks the subset
	// that exceeded the limit. So count should equal total calls.
	count := rl.count.Load()
	if count != 2000 {
		t.Errorf("count = %d, want 2000", count)
	}
	// With limit 1000 and 2000 calls, exactly 1000 should be dropped.
	dropped := rl.dropped.Load()
	if dropped != 1000 {
		t.Errorf("dropped = %d, want 1000", dropped)
	}
}
