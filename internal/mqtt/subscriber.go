package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// MessageHandler is called for each MQTT message received on a
// subscribed topic. Implementations must be safe for concurrent use.
type MessageHandler func(topic string, payload []byte)

// commandHandler returns a [MessageHandler] for <prefix>/<id>/command.
// The only command is "stop", which disposes the server through
// stopper. Anything else is logged and ignored. A nil stopper makes
// the command topic read-only.
func commandHandler(prefix string, stopper Stopper, logger *slog.Logger) MessageHandler {
	return func(topic string, payload []byte) {
		id, ok := commandServerID(prefix, topic)
		if !ok {
			logger.Debug("mqtt message on unexpected topic", "topic", topic, "payload_size", len(payload))
			return
		}

		cmd := strings.ToLower(strings.TrimSpace(string(payload)))
		logger.Info("mqtt command received", "mcp_server", id, "command", cmd)

		switch {
		case stopper == nil:
			logger.Warn("mqtt commands disabled", "mcp_server", id)
		case cmd == "stop":
			if err := stopper.Stop(id); err != nil {
				logger.Warn("mqtt stop command failed", "mcp_server", id, "error", err)
			}
		default:
			logger.Warn("unknown mqtt command", "mcp_server", id, "command", cmd)
		}
	}
}

// commandServerID extracts <id> from <prefix>/<id>/command.
func commandServerID(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/command")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled and
// warns when anything was dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow counts one message and reports whether it is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
