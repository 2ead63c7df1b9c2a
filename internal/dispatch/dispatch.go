// Package dispatch realizes parsed directives as side effects: schedule
// registration, memory writes, cross-channel sends and reactions. Every
// directive is best-effort; a failure is logged and never blocks the rest.
package dispatch

import (
	"log"
	"time"

	"github.com/cocoabot/cocoa/internal/channel"
	"github.com/cocoabot/cocoa/internal/clock"
	"github.com/cocoabot/cocoa/internal/directive"
	"github.com/cocoabot/cocoa/internal/store"
)

type Dispatcher struct {
	users     *store.Users
	schedules *store.Schedules
	memories  *store.Memories
	logs      *store.ChatLogs
	now       func() time.Time
}

func NewDispatcher(users *store.Users, schedules *store.Schedules, memories *store.Memories, logs *store.ChatLogs) *Dispatcher {
	return &Dispatcher{
		users:     users,
		schedules: schedules,
		memories:  memories,
		logs:      logs,
		now:       clock.Now,
	}
}

// SetNow overrides the clock (for testing).
func (d *Dispatcher) SetNow(now func() time.Time) { d.now = now }

// Origin describes where the triggering reply happened.
type Origin struct {
	ChannelID string
	MessageID string
	Backend   string
}

// Execute realizes all directives for one reply. Transport may be nil when
// no backend is reachable; transport-dependent directives are then dropped.
func (d *Dispatcher) Execute(dirs []directive.Directive, actorID string, origin Origin, transport channel.Transport) {
	for _, dir := range dirs {
		switch dir.Kind {
		case directive.KindTimed:
			d.schedules.Mutate(actorID, func(set *store.ScheduleSet) {
				set.Timed = append(set.Timed, store.TimedTrigger{
					Date: dir.Date,
					Time: dir.Time,
					Hint: dir.Content,
				})
			})
		case directive.KindDaily:
			d.schedules.Mutate(actorID, func(set *store.ScheduleSet) {
				set.Daily = append(set.Daily, store.DailyTrigger{
					Time:  dir.Time,
					Topic: dir.Content,
				})
			})
		case directive.KindSpecialDate:
			d.schedules.Mutate(actorID, func(set *store.ScheduleSet) {
				set.SpecialDates[dir.Date] = dir.Content
			})
		case directive.KindMemory:
			d.memories.Add(dir.Target, dir.Content)
		case directive.KindDM:
			d.sendDM(dir, actorID, transport)
		case directive.KindToChannel:
			d.sendToChannel(dir, actorID, origin, transport)
		case directive.KindReaction:
			d.react(dir, origin, transport)
		}
	}
}

func (d *Dispatcher) sendDM(dir directive.Directive, actorID string, transport channel.Transport) {
	if transport == nil {
		log.Printf("[dispatch] dm directive dropped: no transport")
		return
	}

	rec := d.users.Get(actorID)
	dmChannel := rec.DMChannel
	if dmChannel == "" {
		resolved, err := transport.OpenDM(actorID)
		if err != nil {
			log.Printf("[dispatch] dm directive dropped for %s: %v", actorID, err)
			return
		}
		dmChannel = resolved
		d.users.Mutate(actorID, func(r *store.UserRecord) { r.DMChannel = dmChannel })
	}

	if _, err := transport.Send(dmChannel, dir.Content); err != nil {
		log.Printf("[dispatch] dm send failed for %s: %v", actorID, err)
		return
	}

	d.users.Mutate(actorID, func(r *store.UserRecord) {
		r.DMHistory = append(r.DMHistory, store.Turn{
			Content:   dir.Content,
			Timestamp: d.now(),
			IsAgent:   true,
		})
	})
}

// sendToChannel resolves the named channel, delivers the message, and
// marks the channel as an active conversation for every member present so
// follow-up traffic there is treated as part of an ongoing exchange.
func (d *Dispatcher) sendToChannel(dir directive.Directive, actorID string, origin Origin, transport channel.Transport) {
	if transport == nil {
		log.Printf("[dispatch] channel directive dropped: no transport")
		return
	}

	channelID, err := transport.LookupChannel(dir.Target)
	if err != nil {
		log.Printf("[dispatch] channel %q unresolved, dropping send: %v", dir.Target, err)
		return
	}

	if _, err := transport.Send(channelID, dir.Content); err != nil {
		log.Printf("[dispatch] send to channel %s failed: %v", channelID, err)
		return
	}

	d.logs.Append(channelID, store.Turn{
		Content:   dir.Content,
		Timestamp: d.now(),
		IsAgent:   true,
	})

	members, err := transport.Members(channelID)
	if err != nil {
		log.Printf("[dispatch] members lookup for %s failed: %v", channelID, err)
		return
	}
	d.users.MutateAll(func(all map[string]*store.UserRecord) {
		for _, member := range members {
			rec := all[member]
			if rec == nil {
				rec = &store.UserRecord{}
			}
			if rec.ActiveChats == nil {
				rec.ActiveChats = map[string]bool{}
			}
			rec.ActiveChats[channelID] = true
			rec.LastChannel = channelID
			if rec.Backend == "" {
				rec.Backend = origin.Backend
			}
			all[member] = rec
		}
	})
}

func (d *Dispatcher) react(dir directive.Directive, origin Origin, transport channel.Transport) {
	if transport == nil || origin.ChannelID == "" || origin.MessageID == "" {
		log.Printf("[dispatch] reaction %q dropped: no origin message", dir.Emoji)
		return
	}
	if err := transport.React(origin.ChannelID, origin.MessageID, dir.Emoji); err != nil {
		log.Printf("[dispatch] reaction %q failed: %v", dir.Emoji, err)
	}
}
