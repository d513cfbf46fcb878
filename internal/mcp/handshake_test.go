package mcp

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/mcpattach/internal/launcher"
)

const okFrame = `{"jsonrpc":"2.0","id":"handshake","result":{"protocolVersion":"2024-11-05"}}`

func testOpts() HandshakeOptions {
	return HandshakeOptions{
		Request: NewRequest("handshake", "initialize", map[string]any{"protocolVersion": "2024-11-05"}),
		Timeout: 2 * time.Second,
	}
}

func TestPerformHandshake_Success(t *testing.T) {
	var gotReq string
	srv := newFakeServer(func(req string, out *io.PipeWriter) {
		gotReq = req
		io.WriteString(out, okFrame+"\n")
	})
	defer srv.Dispose()

	resp, err := PerformHandshake(context.Background(), srv, testOpts(), 1)
	if err != nil {
		t.Fatalf("PerformHandshake() error = %v", err)
	}
	if string(resp.Result) != `{"protocolVersion":"2024-11-05"}` {
		t.Errorf("Result = %s", resp.Result)
	}
	if !strings.HasPrefix(gotReq, `{"jsonrpc":"2.0","id":"handshake","method":"initialize"`) || !strings.HasSuffix(gotReq, "}\n") {
		t.Errorf("request frame = %q", gotReq)
	}
	if got := srv.Statuses(); len(got) != 1 || got[0] != launcher.StatusAttached {
		t.Errorf("statuses = %v, want [attached]", got)
	}
}

func TestPerformHandshake_SplitAndPadded(t *testing.T) {
	srv := newFakeServer(func(_ string, out *io.PipeWriter) {
		io.WriteString(out, "  "+okFrame[:20])
		time.Sleep(10 * time.Millisecond)
		io.WriteString(out, okFrame[20:]+"\r\n")
	})
	defer srv.Dispose()

	if _, err := PerformHandshake(context.Background(), srv, testOpts(), 1); err != nil {
		t.Fatalf("PerformHandshake() error = %v", err)
	}
}

func TestPerformHandshake_NumericID(t *testing.T) {
	opts := testOpts()
	opts.Request = NewRequest(7, "initialize", nil)
	srv := newFakeServer(replyLines(`{"jsonrpc":"2.0","id":7.0,"result":{}}`))
	defer srv.Dispose()

	if _, err := PerformHandshake(context.Background(), srv, opts, 1); err != nil {
		t.Fatalf("PerformHandshake() error = %v", err)
	}
}

func TestPerformHandshake_Timeout(t *testing.T) {
	srv := newFakeServer(silent)
	defer srv.Dispose()

	opts := testOpts()
	opts.Timeout = 50 * time.Millisecond
	start := time.Now()
	_, err := PerformHandshake(context.Background(), srv, opts, 2)

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TimeoutError", err)
	}
	if te.Message != msgTimeout || te.Attempt != 2 {
		t.Errorf("TimeoutError = %+v", te)
	}
	if !errors.Is(err, ErrProtocol) {
		t.Error("TimeoutError does not match ErrProtocol")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if len(srv.Statuses()) != 0 {
		t.Errorf("statuses = %v, want none", srv.Statuses())
	}
}

func TestPerformHandshake_StdinNeverDrained(t *testing.T) {
	srv := newDeafServer()
	defer srv.Dispose()

	opts := testOpts()
	opts.Request = NewRequest("handshake", "initialize", map[string]any{"pad": strings.Repeat("x", 256<<10)})
	opts.Timeout = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := PerformHandshake(context.Background(), srv, opts, 1)
		done <- err
	}()

	select {
	case err := <-done:
		var te *TimeoutError
		if !errors.As(err, &te) || te.Message != msgTimeout {
			t.Errorf("error = %v, want handshake timeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake blocked on a stdin write past its timeout")
	}
}

func TestAttachWithRetry_StdinNeverDrained(t *testing.T) {
	recordSleeps(t)
	var (
		mu      sync.Mutex
		servers []*fakeServer
	)
	factory := func() (*fakeServer, error) {
		srv := newDeafServer()
		mu.Lock()
		servers = append(servers, srv)
		mu.Unlock()
		return srv, nil
	}
	opts := fastOpts(2)
	opts.Request = NewRequest("handshake", "initialize", map[string]any{"pad": strings.Repeat("x", 256<<10)})

	done := make(chan error, 1)
	go func() {
		_, err := AttachWithRetry(context.Background(), factory, opts)
		done <- err
	}()

	select {
	case err := <-done:
		if n, _ := AttemptOf(err); n != 2 {
			t.Errorf("AttemptOf(%v) = %d, want 2", err, n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AttachWithRetry blocked on a stdin write")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, srv := range servers {
		if srv.Disposed() != 1 {
			t.Errorf("server %d disposed %d times, want 1", i, srv.Disposed())
		}
	}
}

func TestPerformHandshake_StreamEnded(t *testing.T) {
	srv := newFakeServer(func(_ string, out *io.PipeWriter) {
		io.WriteString(out, `{"jsonrpc":"2.0"`)
		out.Close()
	})
	defer srv.Dispose()

	_, err := PerformHandshake(context.Background(), srv, testOpts(), 1)
	var te *TimeoutError
	if !errors.As(err, &te) || te.Message != msgStreamEnded {
		t.Fatalf("error = %v, want stream-end TimeoutError", err)
	}
	if !errors.Is(err, io.EOF) {
		t.Errorf("error %v does not wrap io.EOF", err)
	}
}

func TestPerformHandshake_InvalidFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", "not-json"},
		{"empty line", ""},
		{"array", `[1,2]`},
		{"wrong version", `{"jsonrpc":"1.0","id":"handshake","result":{}}`},
		{"numeric version", `{"jsonrpc":2,"id":"handshake","result":{}}`},
		{"missing id", `{"jsonrpc":"2.0","result":{}}`},
		{"null id", `{"jsonrpc":"2.0","id":null,"result":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeServer(replyLines(tt.frame))
			defer srv.Dispose()

			_, err := PerformHandshake(context.Background(), srv, testOpts(), 1)
			var ife *InvalidFrameError
			if !errors.As(err, &ife) {
				t.Fatalf("error = %v, want *InvalidFrameError", err)
			}
			if ife.Raw != tt.frame {
				t.Errorf("Raw = %q, want %q", ife.Raw, tt.frame)
			}
			if !errors.Is(err, ErrProtocol) {
				t.Error("InvalidFrameError does not match ErrProtocol")
			}
		})
	}
}

// A mismatched id fails the attempt even if a matching frame follows.
func TestPerformHandshake_IDMismatch(t *testing.T) {
	srv := newFakeServer(replyLines(
		`{"jsonrpc":"2.0","id":"other","result":{}}`,
		okFrame,
	))
	defer srv.Dispose()

	_, err := PerformHandshake(context.Background(), srv, testOpts(), 1)
	var ife *InvalidFrameError
	if !errors.As(err, &ife) {
		t.Fatalf("error = %v, want *InvalidFrameError", err)
	}
	if !strings.Contains(ife.Raw, `"other"`) {
		t.Errorf("Raw = %q", ife.Raw)
	}
	if len(srv.Statuses()) != 0 {
		t.Errorf("statuses = %v, want none", srv.Statuses())
	}
}

func TestPerformHandshake_StringVersusNumberID(t *testing.T) {
	opts := testOpts()
	opts.Request = NewRequest(1, "initialize", nil)
	srv := newFakeServer(replyLines(`{"jsonrpc":"2.0","id":"1","result":{}}`))
	defer srv.Dispose()

	_, err := PerformHandshake(context.Background(), srv, opts, 1)
	var ife *InvalidFrameError
	if !errors.As(err, &ife) {
		t.Fatalf("error = %v, want *InvalidFrameError", err)
	}
}

func TestPerformHandshake_Rejected(t *testing.T) {
	srv := newFakeServer(replyLines(`{"jsonrpc":"2.0","id":"handshake","error":{"code":-32601,"message":"nope"}}`))
	defer srv.Dispose()

	_, err := PerformHandshake(context.Background(), srv, testOpts(), 1)
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Message != msgRejected {
		t.Fatalf("error = %v, want rejected ProtocolError", err)
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 || rpcErr.Message != "nope" {
		t.Errorf("cause = %v, want RPCError -32601", pe.Cause)
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		t.Error("rejection reported as timeout")
	}
}

func TestPerformHandshake_RejectedNonObjectError(t *testing.T) {
	srv := newFakeServer(replyLines(`{"jsonrpc":"2.0","id":"handshake","error":"boom"}`))
	defer srv.Dispose()

	_, err := PerformHandshake(context.Background(), srv, testOpts(), 1)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Message != `"boom"` {
		t.Fatalf("error = %v, want RPCError carrying raw payload", err)
	}
}

func TestPerformHandshake_ParentCancelled(t *testing.T) {
	srv := newFakeServer(silent)
	defer srv.Dispose()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := PerformHandshake(ctx, srv, testOpts(), 1)
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Message != msgCancelled {
		t.Fatalf("error = %v, want cancelled ProtocolError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error %v does not wrap context.Canceled", err)
	}
}

func TestPerformHandshake_NoRequest(t *testing.T) {
	srv := newFakeServer(silent)
	defer srv.Dispose()

	_, err := PerformHandshake(context.Background(), srv, HandshakeOptions{}, 1)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("error = %v, want ErrProtocol", err)
	}
}

func TestHandshakeOptions_Defaults(t *testing.T) {
	o := HandshakeOptions{}.withDefaults()
	if o.Timeout != 5*time.Second || o.Retries != 3 || o.Backoff != 250*time.Millisecond {
		t.Errorf("defaults = %+v", o)
	}
	if o.Logger == nil {
		t.Error("default logger is nil")
	}

	o = HandshakeOptions{Timeout: time.Second, Retries: 5, Backoff: time.Millisecond}.withDefaults()
	if o.Timeout != time.Second || o.Retries != 5 || o.Backoff != time.Millisecond {
		t.Errorf("explicit options overridden: %+v", o)
	}
}

func TestServerInterface(t *testing.T) {
	var _ Server = (*launcher.Server)(nil)
}
