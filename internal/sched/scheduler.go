// Package sched drives the minute-cadence trigger loop: one-shot timers,
// daily recurrences, special dates, the midnight quota reset and the
// inactivity nudge.
package sched

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strings"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/cocoabot/cocoa/internal/channel"
	"github.com/cocoabot/cocoa/internal/clock"
	"github.com/cocoabot/cocoa/internal/config"
	"github.com/cocoabot/cocoa/internal/directive"
	"github.com/cocoabot/cocoa/internal/dispatch"
	"github.com/cocoabot/cocoa/internal/history"
	"github.com/cocoabot/cocoa/internal/llm"
	"github.com/cocoabot/cocoa/internal/store"
)

const (
	// Nudge thresholds: a user idle between nudgeMin and a per-check random
	// point up to nudgeMax gets a proactive ping, only on the half hour and
	// only during waking hours.
	nudgeMin       = 4 * time.Hour
	nudgeMax       = 6 * time.Hour
	nudgeHourStart = 7
	nudgeHourEnd   = 23
)

// Completer abstracts the LLM call (allows fakes in tests).
type Completer interface {
	Complete(ctx context.Context, p config.ModelProfile, msgs []llm.Message) (string, error)
}

// TransportResolver maps a backend name to its live transport.
type TransportResolver func(backend string) (channel.Transport, bool)

type Scheduler struct {
	cfg        *config.Config
	users      *store.Users
	schedules  *store.Schedules
	memories   *store.Memories
	logs       *store.ChatLogs
	compactor  *history.Compactor
	completer  Completer
	dispatcher *dispatch.Dispatcher
	transport  TransportResolver

	cron *rcron.Cron
	now  func() time.Time
	rng  *rand.Rand
}

func NewScheduler(
	cfg *config.Config,
	users *store.Users,
	schedules *store.Schedules,
	memories *store.Memories,
	logs *store.ChatLogs,
	compactor *history.Compactor,
	completer Completer,
	dispatcher *dispatch.Dispatcher,
	transport TransportResolver,
) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		users:      users,
		schedules:  schedules,
		memories:   memories,
		logs:       logs,
		compactor:  compactor,
		completer:  completer,
		dispatcher: dispatcher,
		transport:  transport,
		now:        clock.Now,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetNow overrides the clock (for testing).
func (s *Scheduler) SetNow(now func() time.Time) { s.now = now }

func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = rcron.New(rcron.WithLocation(clock.Zone))
	if _, err := s.cron.AddFunc("@every 1m", func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("register tick: %w", err)
	}
	s.cron.Start()
	log.Printf("[sched] started, minute cadence in %s", clock.Zone)
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	log.Printf("[sched] stopped")
}

// Tick runs one scheduler pass. Exported so tests can drive the loop
// without waiting on wall time.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	minute := clock.Minute(now)

	if minute == "00:00" {
		s.resetQuota()
	}

	all := s.schedules.All()
	uids := make([]string, 0, len(all))
	for uid := range all {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	for _, uid := range uids {
		s.runUser(ctx, uid, all[uid], now, minute)
	}

	s.nudgeIdle(ctx, now, minute)
}

func (s *Scheduler) resetQuota() {
	count := 0
	s.users.MutateAll(func(all map[string]*store.UserRecord) {
		for _, rec := range all {
			rec.PointsUsed = 0
		}
		count = len(all)
	})
	log.Printf("[sched] daily quota reset for %d users", count)
}

// runUser fires every due trigger for one user. A panic in one user's pass
// is contained so the rest of the tick still runs.
func (s *Scheduler) runUser(ctx context.Context, uid string, set *store.ScheduleSet, now time.Time, minute string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[sched] pass for %s panicked: %v", uid, r)
		}
	}()
	if set == nil {
		return
	}

	consumed := map[store.TimedTrigger]int{}
	for _, t := range set.Timed {
		due, err := clock.ParseInstant(t.Date, t.Time)
		if err != nil {
			log.Printf("[sched] discarding unparseable timed trigger for %s: %v", uid, err)
			consumed[t]++
			continue
		}
		if now.Before(due) {
			continue
		}
		// Removed whether or not delivery works: a trigger fires once.
		consumed[t]++
		s.fire(ctx, uid, fmt.Sprintf("A reminder you scheduled for %s %s is due. Reminder note: %s", t.Date, t.Time, t.Hint))
	}
	if len(consumed) > 0 {
		// Remove only the entries consumed this tick. The fired replies
		// can register new triggers through their own directives, so a
		// snapshot overwrite here would lose them.
		s.schedules.Mutate(uid, func(dst *store.ScheduleSet) {
			kept := dst.Timed[:0]
			for _, t := range dst.Timed {
				if consumed[t] > 0 {
					consumed[t]--
					continue
				}
				kept = append(kept, t)
			}
			dst.Timed = kept
		})
	}

	for _, d := range set.Daily {
		if d.Time == minute {
			s.fire(ctx, uid, fmt.Sprintf("It is your daily check-in time (%s). Topic: %s", d.Time, d.Topic))
		}
	}

	if minute == "00:00" {
		if label, ok := set.SpecialDates[clock.DayKey(now)]; ok {
			s.fire(ctx, uid, fmt.Sprintf("Today is a special date: %s. Send your wishes.", label))
		}
	}
}

// nudgeIdle pings users who went quiet, on the hour and half hour during
// waking hours only. The idle threshold is re-rolled per check between
// nudgeMin and nudgeMax so the ping never lands at a predictable offset.
func (s *Scheduler) nudgeIdle(ctx context.Context, now time.Time, minute string) {
	if !strings.HasSuffix(minute, ":00") && !strings.HasSuffix(minute, ":30") {
		return
	}
	if h := now.In(clock.Zone).Hour(); h < nudgeHourStart || h >= nudgeHourEnd {
		return
	}

	all := s.users.All()
	uids := make([]string, 0, len(all))
	for uid := range all {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	for _, uid := range uids {
		rec := all[uid]
		if rec == nil || rec.LastActive == 0 {
			continue
		}
		idle := now.Sub(time.Unix(rec.LastActive, 0))
		threshold := nudgeMin + time.Duration(s.rng.Int63n(int64(nudgeMax-nudgeMin)))
		if idle < threshold {
			continue
		}
		s.fire(ctx, uid, "The user has not said anything for a while. Casually restart the conversation, referencing earlier context if natural.")
		// Restart the idle window so one quiet stretch yields one nudge.
		s.users.Mutate(uid, func(r *store.UserRecord) { r.LastActive = s.now().Unix() })
	}
}

// fire renders one proactive turn for a user and delivers it. Delivery
// prefers the stored DM channel, falls back to the last shared channel,
// and finally opens a fresh DM.
func (s *Scheduler) fire(ctx context.Context, uid string, hint string) {
	rec := s.users.Get(uid)

	backend := rec.Backend
	if backend == "" {
		log.Printf("[sched] no backend recorded for %s, dropping trigger", uid)
		return
	}
	transport, ok := s.transport(backend)
	if !ok {
		log.Printf("[sched] backend %s not running, dropping trigger for %s", backend, uid)
		return
	}

	channelID := rec.DMChannel
	isDM := true
	if channelID == "" && rec.LastChannel != "" {
		channelID = rec.LastChannel
		isDM = false
	}
	if channelID == "" {
		// No channel of their own yet; fall back to a conversation the
		// user was pulled into.
		if chats := sortedActiveChats(rec); len(chats) > 0 {
			channelID = chats[0]
			isDM = false
		}
	}
	if channelID == "" {
		resolved, err := transport.OpenDM(uid)
		if err != nil {
			log.Printf("[sched] cannot reach %s: %v", uid, err)
			return
		}
		channelID = resolved
		s.users.Mutate(uid, func(r *store.UserRecord) { r.DMChannel = channelID })
	}

	profile := s.cfg.Profile(rec.Profile)
	scene := history.Scene{ChannelID: channelID, IsDM: isDM}

	msgs := []llm.Message{llm.System(s.systemPrompt(uid, hint))}
	msgs = append(msgs, s.compactor.Build(uid, scene, profile.TokenLimit)...)

	raw, err := s.completer.Complete(ctx, profile, msgs)
	if err != nil {
		log.Printf("[sched] completion for %s failed: %v", uid, err)
		return
	}

	visible, dirs, _ := directive.Parse(raw, uid, s.now())
	s.dispatcher.Execute(dirs, uid, dispatch.Origin{ChannelID: channelID, Backend: backend}, transport)

	if strings.Contains(visible, directive.NoSendToken) || strings.TrimSpace(visible) == "" {
		return
	}

	for _, segment := range strings.Split(visible, directive.Delimiter) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		if _, err := transport.Send(channelID, segment); err != nil {
			log.Printf("[sched] send to %s failed: %v", uid, err)
			return
		}
		turn := store.Turn{Content: segment, Timestamp: s.now(), IsAgent: true}
		if isDM {
			s.users.Mutate(uid, func(r *store.UserRecord) {
				r.DMHistory = append(r.DMHistory, turn)
			})
		} else {
			s.logs.Append(channelID, turn)
		}
	}
}

func (s *Scheduler) systemPrompt(uid, hint string) string {
	var sb strings.Builder
	sb.WriteString("You are Cocoa, a warm and concise conversational companion.\n")
	sb.WriteString("Current time: " + clock.Stamp(s.now()) + "\n")
	sb.WriteString("You are reaching out proactively. " + hint + "\n")
	if notes := s.memories.Format(uid, false); notes != "" {
		sb.WriteString("Things you remember about this user:\n" + notes + "\n")
	}
	sb.WriteString("Keep it short and natural. If there is genuinely nothing worth saying, reply with exactly " + directive.NoSendToken + ".")
	return sb.String()
}

// sortedActiveChats lists the channels the user has been addressed in,
// sorted for deterministic fallback selection.
func sortedActiveChats(rec *store.UserRecord) []string {
	chats := make([]string, 0, len(rec.ActiveChats))
	for id, active := range rec.ActiveChats {
		if active {
			chats = append(chats, id)
		}
	}
	sort.Strings(chats)
	return chats
}
