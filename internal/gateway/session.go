package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/cocoabot/cocoa/internal/bus"
)

// dedupCapacity bounds the seen-event registry. Old entries are evicted in
// arrival order once the bound is hit, so memory stays flat no matter how
// long the process runs.
const dedupCapacity = 4096

type dedupRegistry struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

func newDedupRegistry() *dedupRegistry {
	return &dedupRegistry{seen: make(map[string]struct{}, dedupCapacity)}
}

// Seen marks the event and reports whether it was already marked.
func (d *dedupRegistry) Seen(eventID string) bool {
	if eventID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[eventID]; ok {
		return true
	}
	d.seen[eventID] = struct{}{}
	d.order = append(d.order, eventID)
	for len(d.order) > dedupCapacity {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
	return false
}

// pendingTurn accumulates rapid-fire messages from one sender in one chat.
type pendingTurn struct {
	msg   bus.InboundMessage
	count int
	timer *time.Timer
}

// debounceRegistry coalesces short-mode bursts: each new message from the
// same (sender, chat) pair restarts the window and merges into the pending
// turn. Windows for different pairs are fully independent.
type debounceRegistry struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[string]*pendingTurn
	flush   func(ctx context.Context, msg bus.InboundMessage, count int)
}

func newDebounceRegistry(window time.Duration, flush func(ctx context.Context, msg bus.InboundMessage, count int)) *debounceRegistry {
	return &debounceRegistry{
		window:  window,
		pending: make(map[string]*pendingTurn),
		flush:   flush,
	}
}

func debounceKey(msg bus.InboundMessage) string {
	return msg.Channel + ":" + msg.ChatID + ":" + msg.SenderID
}

// Add merges the message into the sender's pending turn and (re)starts its
// window. When the window elapses with no further traffic, the merged turn
// is flushed.
func (r *debounceRegistry) Add(ctx context.Context, msg bus.InboundMessage) {
	key := debounceKey(msg)

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pending[key]; ok {
		p.timer.Stop()
		merged := p.msg
		if msg.Content != "" {
			if merged.Content != "" {
				merged.Content += "\n"
			}
			merged.Content += msg.Content
		}
		merged.Images = append(merged.Images, msg.Images...)
		merged.Attachments = append(merged.Attachments, msg.Attachments...)
		merged.MessageID = msg.MessageID
		merged.Timestamp = msg.Timestamp
		p.msg = merged
		p.count++
		p.timer = time.AfterFunc(r.window, func() { r.fire(ctx, key) })
		return
	}

	p := &pendingTurn{msg: msg, count: 1}
	p.timer = time.AfterFunc(r.window, func() { r.fire(ctx, key) })
	r.pending[key] = p
}

func (r *debounceRegistry) fire(ctx context.Context, key string) {
	r.mu.Lock()
	p, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.flush(ctx, p.msg, p.count)
}

// Flush forces every pending window to fire now (shutdown path).
func (r *debounceRegistry) Flush(ctx context.Context) {
	r.mu.Lock()
	keys := make([]string, 0, len(r.pending))
	for key, p := range r.pending {
		p.timer.Stop()
		keys = append(keys, key)
	}
	r.mu.Unlock()
	for _, key := range keys {
		r.fire(ctx, key)
	}
}
