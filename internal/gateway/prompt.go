package gateway

import (
	"fmt"
	"log"
	"strings"

	"github.com/cocoabot/cocoa/internal/channel"
	"github.com/cocoabot/cocoa/internal/clock"
	"github.com/cocoabot/cocoa/internal/directive"
	"github.com/cocoabot/cocoa/internal/history"
)

// directiveGuide teaches the model the hidden action blocks. The grammar
// here has to match the parser exactly; anything it emits outside these
// forms is delivered to the user verbatim.
const directiveGuide = `You can take actions by embedding directive blocks in your reply. They are stripped before delivery; the user never sees them.
  [[TIMED|YYYY-MM-DD|HH:MM|reminder note]]  schedule a one-shot reminder
  [[TIMED|HH:MM|reminder note]]             same, for today
  [[DAILY|HH:MM|topic]]                     recurring daily check-in
  [[SPECIALDATE|MM-DD|what the date is]]    remember a yearly date
  [[MEMORY|note to remember]]               store a long-term note about this user
  [[DM|text]]                               send the user a direct message
  [[TOCHANNEL|channel-name|text]]           post into a named channel
  [[REACT|emoji]]                           react to the user's message
Use directives sparingly and only when the conversation calls for them.
To send several separate messages, join them with ` + directive.Delimiter + ` in one reply.
If nothing should be sent at all, reply with exactly ` + directive.NoSendToken + `.`

const shortModeGuide = `You are in short-form mode: chat like a fast human texter.
Each message stays under 100 characters. Never use numbered or bulleted lists.
Split thoughts into at most a few short messages with ` + directive.Delimiter + `, not one long block.`

// buildSystemPrompt assembles the per-turn system message. In a direct
// scene only the sender's memories are included; in a shared channel every
// member's memories are folded in so the agent can address anyone present.
func (g *Gateway) buildSystemPrompt(senderID, senderName string, scene history.Scene, mode string, transport channel.Transport) string {
	var sb strings.Builder

	sb.WriteString("You are Cocoa, a warm, attentive conversational companion in a group-messaging workspace.\n")
	sb.WriteString("Current time: " + clock.Stamp(clock.Now()) + "\n")

	if scene.IsDM {
		sb.WriteString(fmt.Sprintf("You are in a direct conversation with %s.\n", displayName(senderID, senderName)))
	} else {
		name := scene.ChannelName
		if name == "" {
			name = scene.ChannelID
		}
		sb.WriteString(fmt.Sprintf("You are in the shared channel %q; the current message is from %s.\n", name, displayName(senderID, senderName)))
	}

	if notes := g.memoryContext(senderID, scene, transport); notes != "" {
		sb.WriteString("\nThings you remember:\n" + notes + "\n")
	}

	sb.WriteString("\n" + directiveGuide + "\n")
	if mode == "short" {
		sb.WriteString("\n" + shortModeGuide + "\n")
	}

	return sb.String()
}

func displayName(id, name string) string {
	if name != "" {
		return name
	}
	return id
}

func (g *Gateway) memoryContext(senderID string, scene history.Scene, transport channel.Transport) string {
	if scene.IsDM {
		return g.memories.Format(senderID, false)
	}

	// Shared scene: fold in every member's notes, labelled per person.
	// Member resolution is best-effort; on failure fall back to the sender.
	memberIDs := []string{senderID}
	if transport != nil {
		if members, err := transport.Members(scene.ChannelID); err != nil {
			log.Printf("[gateway] members lookup for %s failed, sender memories only: %v", scene.ChannelID, err)
		} else if len(members) > 0 {
			memberIDs = members
		}
	}

	var sb strings.Builder
	for _, id := range memberIDs {
		notes := g.memories.Format(id, false)
		if notes == "" {
			continue
		}
		label := id
		if transport != nil {
			if u, err := transport.LookupUser(id); err == nil {
				label = displayName(u.ID, firstNonEmpty(u.DisplayName, u.Name))
			}
		}
		sb.WriteString("About " + label + ":\n" + notes + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
