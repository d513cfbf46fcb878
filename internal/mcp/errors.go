package mcp

import (
	"errors"
	"fmt"
)

// ErrProtocol matches every handshake and attach failure produced by
// this package.
var ErrProtocol = errors.New("mcp protocol error")

const (
	msgTimeout     = "timed out waiting for handshake response"
	msgStreamEnded = "stream ended before handshake completed"
	msgRejected    = "server rejected handshake"
	msgExhausted   = "failed to establish handshake"
	msgLaunch      = "launch failed"
	msgCancelled   = "handshake cancelled"
)

// ProtocolError is a handshake-level failure: the server answered with
// a JSON-RPC error, the launch failed, or retries ran out. Cause holds
// the underlying error when there is one.
type ProtocolError struct {
	Attempt int
	Message string
	Cause   error
}

func (e *ProtocolError) Error() string {
	return formatError(e.Message, e.Attempt, e.Cause)
}

func (e *ProtocolError) Unwrap() error        { return e.Cause }
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// AttemptNumber returns the attempt the error happened on.
func (e *ProtocolError) AttemptNumber() int { return e.Attempt }

// TimeoutError means no response frame arrived: the timeout fired or
// the server's output ended first.
type TimeoutError struct {
	Attempt int
	Message string
	Cause   error
}

func (e *TimeoutError) Error() string {
	return formatError(e.Message, e.Attempt, e.Cause)
}

func (e *TimeoutError) Unwrap() error        { return e.Cause }
func (e *TimeoutError) Is(target error) bool { return target == ErrProtocol }

// AttemptNumber returns the attempt the error happened on.
func (e *TimeoutError) AttemptNumber() int { return e.Attempt }

// InvalidFrameError means the first frame was not a usable response.
// Raw is the offending text, trimmed.
type InvalidFrameError struct {
	Attempt int
	Message string
	Raw     string
	Cause   error
}

func (e *InvalidFrameError) Error() string {
	msg := formatError(e.Message, e.Attempt, e.Cause)
	if e.Raw != "" {
		msg += fmt.Sprintf(" (frame %q)", truncate(e.Raw, 200))
	}
	return msg
}

func (e *InvalidFrameError) Unwrap() error        { return e.Cause }
func (e *InvalidFrameError) Is(target error) bool { return target == ErrProtocol }

// AttemptNumber returns the attempt the error happened on.
func (e *InvalidFrameError) AttemptNumber() int { return e.Attempt }

// AttemptOf returns the attempt number carried by err, if any error in
// its chain has one.
func AttemptOf(err error) (int, bool) {
	var a interface{ AttemptNumber() int }
	if errors.As(err, &a) {
		return a.AttemptNumber(), true
	}
	return 0, false
}

func formatError(msg string, attempt int, cause error) string {
	s := fmt.Sprintf("%s (attempt %d)", msg, attempt)
	if cause != nil {
		s += ": " + cause.Error()
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
