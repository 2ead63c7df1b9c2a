package bus

import (
	"context"
	"log"
	"sync"
	"time"
)

// Attachment is a file reference delivered with an inbound message. The
// bytes are fetched lazily through the owning channel's Download.
type Attachment struct {
	Name string
	Mime string
	URL  string
}

type InboundMessage struct {
	Channel     string // backend name ("slack", "telegram")
	EventID     string
	MessageID   string // platform message id, usable for reactions/edits
	SenderID    string
	SenderName  string
	ChatID      string
	IsDM        bool
	Content     string
	Timestamp   time.Time
	Images      []string // downloadable image URLs
	Attachments []Attachment
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
}

// MessageBus decouples channel backends from the gateway. Inbound flows
// from channels to the gateway; outbound is fanned out to the subscriber
// registered for the target channel.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string]func(OutboundMessage)),
	}
}

func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = fn
}

func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.mu.RLock()
			fn := b.subscribers[msg.Channel]
			b.mu.RUnlock()
			if fn == nil {
				log.Printf("[bus] no subscriber for channel %s, dropping message", msg.Channel)
				continue
			}
			fn(msg)
		case <-ctx.Done():
			return
		}
	}
}
