package gateway

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cocoabot/cocoa/internal/channel"
	"github.com/cocoabot/cocoa/internal/clock"
	"github.com/cocoabot/cocoa/internal/store"
)

// resetConfirmWindow is how long a /reset stays armed before the user has
// to start over.
const resetConfirmWindow = 60 * time.Second

type resetArm struct {
	channelID string
	deadline  time.Time
}

type commandState struct {
	mu            sync.Mutex
	pendingResets map[string]resetArm
}

func newCommandState() *commandState {
	return &commandState{pendingResets: make(map[string]resetArm)}
}

// HandleCommand serves the slash commands. Replies are ephemeral text.
func (g *Gateway) HandleCommand(cmd channel.Command) string {
	name := strings.TrimPrefix(strings.ToLower(cmd.Name), "/")
	switch name {
	case "reset":
		return g.cmdReset(cmd)
	case "memory":
		return g.cmdMemory(cmd)
	case "model":
		return g.cmdModel(cmd)
	case "mode":
		return g.cmdMode(cmd)
	case "points":
		return g.cmdPoints(cmd)
	}
	return "Unknown command. Available: /reset /memory /model /mode /points"
}

// cmdReset is two-step: the first call arms the reset, a "confirm" within
// the window applies it. A reset never deletes shared channel history, it
// records a per-user cut-off; the user's own direct history is cleared.
func (g *Gateway) cmdReset(cmd channel.Command) string {
	g.commands.mu.Lock()
	defer g.commands.mu.Unlock()

	now := time.Now()
	arg := strings.ToLower(strings.TrimSpace(cmd.Text))

	if arg == "confirm" {
		arm, ok := g.commands.pendingResets[cmd.UserID]
		if !ok || now.After(arm.deadline) {
			delete(g.commands.pendingResets, cmd.UserID)
			return "Nothing to confirm. Send /reset first."
		}
		delete(g.commands.pendingResets, cmd.UserID)

		rec := g.users.Get(cmd.UserID)
		if arm.channelID != "" && arm.channelID == rec.DMChannel {
			// Full reset for the user's own conversation. Memories survive.
			g.users.Mutate(cmd.UserID, func(r *store.UserRecord) {
				r.DMHistory = nil
				r.AIPoints = 0
				r.IncludeDM = nil
				r.ResetCutoff = nil
				r.ActiveChats = nil
			})
			g.schedules.Mutate(cmd.UserID, func(set *store.ScheduleSet) {
				*set = *store.NewScheduleSet()
			})
			return "Direct conversation history and schedules cleared."
		}
		cutoff := clock.Now().Format(time.RFC3339)
		g.users.Mutate(cmd.UserID, func(r *store.UserRecord) {
			if r.ResetCutoff == nil {
				r.ResetCutoff = map[string]string{}
			}
			r.ResetCutoff[arm.channelID] = cutoff
		})
		return "Context reset for this channel. Earlier messages stay for others."
	}

	g.commands.pendingResets[cmd.UserID] = resetArm{
		channelID: cmd.ChannelID,
		deadline:  now.Add(resetConfirmWindow),
	}
	return "This clears my context for this conversation. Send `/reset confirm` within 60 seconds to proceed."
}

func (g *Gateway) cmdMemory(cmd channel.Command) string {
	arg := strings.TrimSpace(cmd.Text)
	switch {
	case arg == "":
		listing := g.memories.Format(cmd.UserID, true)
		if listing == "" {
			return "No memories stored."
		}
		return fmt.Sprintf("Memories (%d/%d chars):\n%s",
			g.memories.TotalChars(cmd.UserID), g.cfg.Agent.MemoryLimit, listing)
	case arg == "clear":
		g.memories.Clear(cmd.UserID)
		return "All memories cleared."
	case strings.HasPrefix(arg, "delete"):
		raw := strings.TrimSpace(strings.TrimPrefix(arg, "delete"))
		idx, err := strconv.Atoi(raw)
		if err != nil {
			return "Usage: /memory delete <number>"
		}
		removed, ok := g.memories.Delete(cmd.UserID, idx)
		if !ok {
			return fmt.Sprintf("No memory #%d.", idx)
		}
		return "Deleted: " + removed
	}
	return "Usage: /memory [delete <number> | clear]"
}

func (g *Gateway) cmdModel(cmd channel.Command) string {
	arg := strings.TrimSpace(cmd.Text)
	rec := g.users.Get(cmd.UserID)
	current := rec.Profile
	if current == "" {
		current = g.cfg.Agent.DefaultProfile
	}

	if arg == "" {
		names := make([]string, 0, len(g.cfg.Agent.Profiles))
		for name := range g.cfg.Agent.Profiles {
			names = append(names, name)
		}
		sort.Strings(names)
		var sb strings.Builder
		sb.WriteString("Available models:\n")
		for _, name := range names {
			p := g.cfg.Agent.Profiles[name]
			marker := "  "
			if name == current {
				marker = "* "
			}
			fmt.Fprintf(&sb, "%s%s (%s, %d point(s)/message)\n", marker, name, p.Model, p.Cost)
		}
		sb.WriteString("Switch with /model <name>.")
		return sb.String()
	}

	if _, ok := g.cfg.Agent.Profiles[arg]; !ok {
		return fmt.Sprintf("Unknown model %q. See /model for the list.", arg)
	}
	g.users.Mutate(cmd.UserID, func(r *store.UserRecord) { r.Profile = arg })
	return "Switched to " + arg + "."
}

func (g *Gateway) cmdMode(cmd channel.Command) string {
	arg := strings.ToLower(strings.TrimSpace(cmd.Text))
	rec := g.users.Get(cmd.UserID)

	switch arg {
	case "":
		return fmt.Sprintf("Current mode: %s. Switch with /mode long or /mode short.", rec.ModeOrDefault())
	case "long", "short":
		g.users.Mutate(cmd.UserID, func(r *store.UserRecord) { r.Mode = arg })
		return "Mode set to " + arg + "."
	}
	return "Usage: /mode [long|short]"
}

func (g *Gateway) cmdPoints(cmd channel.Command) string {
	rec := g.users.Get(cmd.UserID)
	if g.cfg.IsUnlimited(cmd.UserID) {
		return fmt.Sprintf("Unlimited quota. Conduct balance: %d.", rec.AIPoints)
	}
	return fmt.Sprintf("Used %d of %d daily points (resets at midnight). Conduct balance: %d.",
		rec.PointsUsed, g.cfg.Agent.DailyQuota, rec.AIPoints)
}
