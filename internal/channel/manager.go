package channel

import (
	"context"
	"fmt"
	"log"

	"github.com/cocoabot/cocoa/internal/bus"
	"github.com/cocoabot/cocoa/internal/config"
)

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
}

func NewChannelManager(cfg config.ChannelsConfig, b *bus.MessageBus) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
	}

	if cfg.Slack.Enabled {
		ch, err := NewSlackChannel(cfg.Slack, b)
		if err != nil {
			return nil, fmt.Errorf("init slack channel: %w", err)
		}
		m.register(ch)
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, b)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.register(ch)
	}

	return m, nil
}

func (m *ChannelManager) register(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		if _, err := ch.Send(msg.ChatID, msg.Content); err != nil {
			log.Printf("[channel-mgr] send to %s failed: %v", ch.Name(), err)
		}
	})
}

// Register adds a backend directly (used by tests).
func (m *ChannelManager) Register(ch Channel) {
	m.register(ch)
}

func (m *ChannelManager) Transport(name string) (Transport, bool) {
	ch, ok := m.channels[name]
	return ch, ok
}

func (m *ChannelManager) SetCommandHandler(h CommandHandler) {
	for _, ch := range m.channels {
		ch.SetCommandHandler(h)
	}
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
	}
	return nil
}

func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		if err := ch.Stop(); err != nil {
			log.Printf("[channel-mgr] stop %s failed: %v", name, err)
		}
	}
	return nil
}
