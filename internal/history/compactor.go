// Package history merges a user's per-scene conversation logs into one
// chronologically ordered, token-budgeted message list.
package history

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cocoabot/cocoa/internal/llm"
	"github.com/cocoabot/cocoa/internal/store"
)

// BudgetFraction of the model's context limit that history may occupy.
const BudgetFraction = 0.7

type Compactor struct {
	users    *store.Users
	logs     *store.ChatLogs
	denylist []string
}

func NewCompactor(users *store.Users, logs *store.ChatLogs, dmDenylist []string) *Compactor {
	return &Compactor{users: users, logs: logs, denylist: dmDenylist}
}

// Scene identifies the conversation the prompt is being built for.
type Scene struct {
	ChannelID   string
	ChannelName string
	IsDM        bool
}

type candidate struct {
	ts  time.Time
	msg llm.Message
}

// Build collects the user's DM history and the relevant shared channel log,
// merges them in timestamp order and evicts from the front until the
// estimated cost fits BudgetFraction of the token limit. Eviction never
// reorders; empty turns are dropped before costing.
func (c *Compactor) Build(userID string, scene Scene, tokenLimit int) []llm.Message {
	rec := c.users.Get(userID)

	var cands []candidate

	if scene.IsDM || c.includeDM(rec, scene) {
		for _, t := range rec.DMHistory {
			if strings.TrimSpace(t.Content) == "" || t.Reset {
				continue
			}
			cands = append(cands, candidate{ts: t.Timestamp, msg: c.renderDM(t, scene)})
		}
	}

	channelID := scene.ChannelID
	if scene.IsDM {
		// In a direct scene the cross-scene context comes from the user's
		// last shared channel, if any.
		channelID = rec.LastChannel
		if channelID == scene.ChannelID {
			channelID = ""
		}
	}
	if channelID != "" {
		cutoff := c.cutoff(rec, channelID)
		for _, t := range c.logs.After(channelID, cutoff) {
			if strings.TrimSpace(t.Content) == "" || t.Reset {
				continue
			}
			cands = append(cands, candidate{ts: t.Timestamp, msg: c.renderChannel(t, scene)})
		}
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].ts.Before(cands[j].ts) })

	budget := int(float64(tokenLimit) * BudgetFraction)
	total := 0
	costs := make([]int, len(cands))
	for i, cand := range cands {
		costs[i] = EstimateTokens(cand.msg.Content)
		total += costs[i]
	}
	start := 0
	for total > budget && start < len(cands)-1 {
		total -= costs[start]
		start++
	}

	out := make([]llm.Message, 0, len(cands)-start)
	for _, cand := range cands[start:] {
		out = append(out, cand.msg)
	}
	return out
}

// includeDM decides whether the DM log accompanies a shared-channel scene:
// an explicit per-(user, channel) flag wins, otherwise the channel-name
// denylist supplies the default.
func (c *Compactor) includeDM(rec *store.UserRecord, scene Scene) bool {
	if flag, ok := rec.IncludeDM[scene.ChannelID]; ok && flag != nil {
		return *flag
	}
	name := strings.ToLower(scene.ChannelName)
	for _, deny := range c.denylist {
		if deny != "" && strings.Contains(name, strings.ToLower(deny)) {
			return false
		}
	}
	return true
}

func (c *Compactor) cutoff(rec *store.UserRecord, channelID string) time.Time {
	raw, ok := rec.ResetCutoff[channelID]
	if !ok || raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// renderDM maps a direct-message turn to a prompt message. Turns shown
// outside their native scene carry a scene label.
func (c *Compactor) renderDM(t store.Turn, scene Scene) llm.Message {
	content := t.Content
	if !scene.IsDM {
		content = "(direct message) " + content
	}
	if t.IsAgent {
		return llm.Assistant(content)
	}
	return llm.User(content)
}

// renderChannel maps a shared-channel turn. Other speakers are annotated
// with their name; the agent's own turns stay plain assistant turns.
func (c *Compactor) renderChannel(t store.Turn, scene Scene) llm.Message {
	if t.IsAgent {
		content := t.Content
		if scene.IsDM {
			content = "(in channel) " + content
		}
		return llm.Assistant(content)
	}

	name := t.SpeakerName
	if name == "" {
		name = t.SpeakerID
	}
	content := fmt.Sprintf("[%s]: %s", name, t.Content)
	if scene.IsDM {
		content = "(in channel) " + content
	}
	return llm.User(content)
}
