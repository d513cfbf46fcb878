package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nugget/mcpattach/internal/config"
	"github.com/nugget/mcpattach/internal/launcher"
	"github.com/nugget/mcpattach/internal/race"
)

// Handshake defaults applied to zero-valued options.
const (
	DefaultTimeout = 5 * time.Second
	DefaultRetries = 3
	DefaultBackoff = 250 * time.Millisecond
)

// maxFrameSize caps how much output is buffered while looking for the
// end of the first frame.
const maxFrameSize = 1 << 20

// Server is the view of a launched tool server the handshake needs.
// [*launcher.Server] satisfies it.
type Server interface {
	Stdin() io.Writer
	Stdout() io.Reader
	LogPath() string
	UpdateStatus(launcher.Status) error
	Dispose() error
}

// HandshakeOptions configures the handshake and the retry loop around it.
type HandshakeOptions struct {
	// Request is sent as the single handshake frame. Required.
	Request *Request

	// Timeout bounds the wait for the response frame. Default 5s.
	Timeout time.Duration

	// Retries is the total number of attempts, including the first.
	// Default 3.
	Retries int

	// Backoff is the delay after the first failed attempt; each further
	// failure doubles it. Default 250ms.
	Backoff time.Duration

	// Logger receives attempt progress and, at trace level, the raw
	// request and response frames. Default slog.Default().
	Logger *slog.Logger
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Retries <= 0 {
		o.Retries = DefaultRetries
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// frame is a validated response together with the text it came from.
type frame struct {
	resp *Response
	raw  string
}

// PerformHandshake writes the handshake request to srv and waits for
// the first response frame, bounded by opts.Timeout. On success srv is
// marked attached. On failure srv is left as it was; disposing it is
// the caller's job. Cancelling ctx aborts the wait with a ProtocolError.
func PerformHandshake(ctx context.Context, srv Server, opts HandshakeOptions, attempt int) (*Response, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With("attempt", attempt)

	if opts.Request == nil {
		return nil, &ProtocolError{Attempt: attempt, Message: "no handshake request configured"}
	}
	data, err := json.Marshal(opts.Request)
	if err != nil {
		return nil, &ProtocolError{Attempt: attempt, Message: "marshal handshake request", Cause: err}
	}

	logger.Log(ctx, config.LevelTrace, "handshake request", "frame", string(data))
	go writeRequest(srv.Stdin(), append(data, '\n'), logger)

	fr, err := race.First(ctx,
		func(ctx context.Context) (frame, error) {
			return readFrame(ctx, srv.Stdout(), attempt)
		},
		race.Timeout[frame](opts.Timeout, &TimeoutError{Attempt: attempt, Message: msgTimeout}),
	)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrProtocol) {
			return nil, &ProtocolError{Attempt: attempt, Message: msgCancelled, Cause: ctx.Err()}
		}
		return nil, err
	}
	logger.Log(ctx, config.LevelTrace, "handshake response", "frame", fr.raw)

	if !sameID(opts.Request.ID, fr.resp.ID) {
		return nil, &InvalidFrameError{
			Attempt: attempt,
			Message: fmt.Sprintf("response id %s does not match request id", fr.resp.ID),
			Raw:     fr.raw,
		}
	}
	if fr.resp.Error != nil {
		return nil, &ProtocolError{Attempt: attempt, Message: msgRejected, Cause: fr.resp.Error}
	}
	if err := srv.UpdateStatus(launcher.StatusAttached); err != nil {
		return nil, &ProtocolError{Attempt: attempt, Message: "mark server attached", Cause: err}
	}
	return fr.resp, nil
}

// writeRequest sends the request frame. It runs outside the response
// race so a child that never drains stdin cannot hold the handshake past
// its timeout; Dispose closes stdin and releases a blocked write.
func writeRequest(w io.Writer, req []byte, logger *slog.Logger) {
	if _, err := w.Write(req); err != nil {
		// A dead child also closes stdout; the reader reports it.
		logger.Debug("write handshake request", "error", err)
	}
}

type readResult struct {
	line []byte
	err  error
}

// readFrame accumulates output until the first newline and decodes the
// text before it. The read runs on its own goroutine so cancellation is
// not held up by a blocked Read; that goroutine exits at the next chunk
// or when the server is disposed.
func readFrame(ctx context.Context, r io.Reader, attempt int) (frame, error) {
	ch := make(chan readResult, 1)
	go func() {
		var buf []byte
		chunk := make([]byte, 4096)
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
				if i := bytes.IndexByte(buf, '\n'); i >= 0 {
					ch <- readResult{line: buf[:i]}
					return
				}
				if len(buf) > maxFrameSize {
					ch <- readResult{line: buf, err: errFrameTooLarge}
					return
				}
			}
			if err != nil {
				ch <- readResult{err: err}
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case res := <-ch:
		if errors.Is(res.err, errFrameTooLarge) {
			return frame{}, &InvalidFrameError{
				Attempt: attempt,
				Message: fmt.Sprintf("frame exceeds %d bytes", maxFrameSize),
				Raw:     truncate(string(res.line), 200),
			}
		}
		if res.err != nil {
			return frame{}, &TimeoutError{Attempt: attempt, Message: msgStreamEnded, Cause: res.err}
		}
		return parseFrame(res.line, attempt)
	}
}

var errFrameTooLarge = errors.New("frame too large")

func parseFrame(line []byte, attempt int) (frame, error) {
	raw := string(bytes.TrimSpace(line))
	resp, msg, err := decodeResponse([]byte(raw))
	if resp == nil {
		return frame{}, &InvalidFrameError{Attempt: attempt, Message: msg, Raw: raw, Cause: err}
	}
	return frame{resp: resp, raw: raw}, nil
}
