package mqtt

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"
)

// RequestHandler runs one batch request received on the request topic.
// It is called on its own goroutine and must publish its own outcome.
type RequestHandler func(ctx context.Context, payload []byte)

// SetRequestHandler enables batch intake on <prefix>/requests. It must
// be called before [Publisher.Start].
func (p *Publisher) SetRequestHandler(h RequestHandler) {
	p.handler = h
}

// onPublishReceived routes inbound messages. It returns true when the
// message was for the request topic.
func (p *Publisher) onPublishReceived(ctx context.Context, pr paho.PublishReceived) (bool, error) {
	if pr.Packet == nil || pr.Packet.Topic != p.requestTopic() {
		return false, nil
	}
	p.dispatch(ctx, pr.Packet.Payload)
	return true, nil
}

func (p *Publisher) dispatch(ctx context.Context, payload []byte) {
	if p.handler == nil {
		p.logger.Debug("mqtt request ignored, no handler", "payload_size", len(payload))
		return
	}
	if !p.limiter.allow() {
		return
	}
	p.logger.Info("mqtt batch request received", "payload_size", len(payload))

	// The payload slice belongs to paho once the callback returns.
	body := append([]byte(nil), payload...)
	go p.handler(ctx, body)
}

// requestWindow admits at most limit requests per fixed window. The
// count of refused requests is logged once when the next window opens.
type requestWindow struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	start   time.Time
	count   int
	dropped int
	logger  *slog.Logger
}

func newRequestWindow(limit int, window time.Duration, logger *slog.Logger) *requestWindow {
	return &requestWindow{limit: limit, window: window, now: time.Now, logger: logger}
}

// allow reports whether one more request fits in the current window.
func (w *requestWindow) allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if now.Sub(w.start) >= w.window {
		if w.dropped > 0 {
			w.logger.Warn("mqtt batch requests dropped due to rate limit",
				"received", w.count+w.dropped,
				"dropped", w.dropped,
				"window", w.window.String(),
				"limit", w.limit,
			)
		}
		w.start, w.count, w.dropped = now, 0, 0
	}
	if w.count >= w.limit {
		w.dropped++
		return false
	}
	w.count++
	return true
}

// droppedCount returns the refusals in the current window.
func (w *requestWindow) droppedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}
