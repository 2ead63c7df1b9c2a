// Package channel holds the messaging-platform backends. The platform is
// consumed through two narrow capabilities: inbound events flow onto the
// bus, and outbound effects go through Transport.
package channel

import (
	"context"

	"github.com/cocoabot/cocoa/internal/bus"
)

// User is a resolved platform identity.
type User struct {
	ID          string
	Name        string
	DisplayName string
}

// Transport is the outbound capability of a platform backend. Every call
// is blocking network I/O; failures are surfaced to the caller, which
// treats them as best-effort.
type Transport interface {
	Send(channelID, text string) (msgID string, err error)
	Update(channelID, msgID, text string) error
	Delete(channelID, msgID string) error
	React(channelID, msgID, emoji string) error
	LookupUser(userID string) (User, error)
	LookupChannel(name string) (channelID string, err error)
	OpenDM(userID string) (channelID string, err error)
	Members(channelID string) ([]string, error)
	Download(url string) ([]byte, error)
}

// Command is a platform slash command awaiting a synchronous reply.
type Command struct {
	Name      string
	Text      string
	UserID    string
	ChannelID string
}

// CommandHandler produces the ephemeral reply text for a slash command.
type CommandHandler func(Command) string

type Channel interface {
	Transport
	Name() string
	Start(ctx context.Context) error
	Stop() error
	SetCommandHandler(CommandHandler)
}

// BaseChannel carries the pieces every backend shares.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom []string
	onCommand CommandHandler
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	return BaseChannel{name: name, bus: b, allowFrom: allowFrom}
}

func (b *BaseChannel) Name() string { return b.name }

func (b *BaseChannel) SetCommandHandler(h CommandHandler) { b.onCommand = h }

// IsAllowed applies the sender allowlist; an empty list allows everyone.
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	for _, id := range b.allowFrom {
		if id == senderID {
			return true
		}
	}
	return false
}
