package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/nugget/mcpattach/internal/launcher"
)

// AttachResult is a server that completed the handshake.
type AttachResult[S Server] struct {
	Server   S
	Response *Response
	// Attempt is the 1-indexed attempt that succeeded.
	Attempt int
	LogPath string
}

// sleep waits between attempts. Tests replace it to observe delays.
var sleep = sleepCtx

// AttachWithRetry launches a server with factory and performs the
// handshake, relaunching up to opts.Retries attempts in total. Every
// failed attempt's server is marked failed and disposed before the next
// one starts, so at most one server is alive at a time. The delay after
// failed attempt n is BackoffDelay(opts.Backoff, n).
//
// A factory error stops the loop at once. When every attempt fails the
// result is a ProtocolError whose Cause is the last attempt's error.
func AttachWithRetry[S Server](ctx context.Context, factory func() (S, error), opts HandshakeOptions) (*AttachResult[S], error) {
	opts = opts.withDefaults()
	logger := opts.Logger

	for attempt := 1; ; attempt++ {
		srv, err := factory()
		if err != nil {
			return nil, &ProtocolError{Attempt: attempt, Message: msgLaunch, Cause: err}
		}
		if err := srv.UpdateStatus(launcher.StatusStarting); err != nil {
			logger.Debug("mark server starting", "attempt", attempt, "error", err)
		}

		resp, herr := PerformHandshake(ctx, srv, opts, attempt)
		if herr == nil {
			logger.Info("handshake complete", "attempt", attempt, "log_path", srv.LogPath())
			return &AttachResult[S]{
				Server:   srv,
				Response: resp,
				Attempt:  attempt,
				LogPath:  srv.LogPath(),
			}, nil
		}

		if err := srv.UpdateStatus(launcher.StatusFailed); err != nil {
			logger.Debug("mark server failed", "attempt", attempt, "error", err)
		}
		if err := srv.Dispose(); err != nil {
			logger.Warn("dispose failed attempt", "attempt", attempt, "error", err)
		}

		if attempt >= opts.Retries || ctx.Err() != nil {
			return nil, &ProtocolError{Attempt: attempt, Message: msgExhausted, Cause: herr}
		}

		delay := BackoffDelay(opts.Backoff, attempt)
		logger.Warn("handshake failed, retrying",
			"attempt", attempt,
			"retries", opts.Retries,
			"delay", delay,
			"error", herr,
			"log_path", srv.LogPath(),
		)
		if err := sleep(ctx, delay); err != nil {
			return nil, &ProtocolError{Attempt: attempt, Message: msgExhausted, Cause: errors.Join(herr, err)}
		}
	}
}

// BackoffDelay returns base * 2^(attempt-1), the wait after failed
// attempt number attempt.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		attempt = 31
	}
	return base << (attempt - 1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
