package store

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cocoabot/cocoa/internal/clock"
)

// The repositories below implement the availability-over-consistency
// policy: failed reads degrade to empty defaults with a warning line,
// failed writes are logged and swallowed. Each repository serializes its
// load-mutate-save cycles behind a mutex so concurrent workers cannot
// interleave reads and writes of the same document.

// Users wraps the per-user record document.
type Users struct {
	store Store
	mu    sync.Mutex
}

func NewUsers(s Store) *Users { return &Users{store: s} }

func (u *Users) All() map[string]*UserRecord {
	out := map[string]*UserRecord{}
	if err := u.store.Load(KeyUsers, &out); err != nil {
		log.Printf("[store] users load degraded to empty: %v", err)
		return map[string]*UserRecord{}
	}
	return out
}

func (u *Users) Save(all map[string]*UserRecord) {
	if err := u.store.Save(KeyUsers, all); err != nil {
		log.Printf("[store] users save failed: %v", err)
	}
}

// Get returns the stored record or a fresh default.
func (u *Users) Get(userID string) *UserRecord {
	all := u.All()
	if rec, ok := all[userID]; ok && rec != nil {
		return rec
	}
	return &UserRecord{}
}

// Mutate runs one load-mutate-save cycle for a single user.
func (u *Users) Mutate(userID string, fn func(*UserRecord)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	all := u.All()
	rec := all[userID]
	if rec == nil {
		rec = &UserRecord{}
	}
	fn(rec)
	all[userID] = rec
	u.Save(all)
}

// MutateAll runs one load-mutate-save cycle over the whole document, for
// changes that touch many users at once.
func (u *Users) MutateAll(fn func(map[string]*UserRecord)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	all := u.All()
	fn(all)
	u.Save(all)
}

// Schedules wraps the per-user trigger document.
type Schedules struct {
	store Store
	mu    sync.Mutex
}

func NewSchedules(s Store) *Schedules { return &Schedules{store: s} }

func (s *Schedules) All() map[string]*ScheduleSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAll()
}

// loadAll reads and sanitizes the document. When sanitizing dropped or
// rewrote entries the cleaned document is written back, so the same
// malformed trigger is not logged again on every load. Callers hold mu.
func (s *Schedules) loadAll() map[string]*ScheduleSet {
	out := map[string]*ScheduleSet{}
	if err := s.store.Load(KeySchedules, &out); err != nil {
		log.Printf("[store] schedules load degraded to empty: %v", err)
		return map[string]*ScheduleSet{}
	}
	changed := false
	for uid, set := range out {
		cleaned, dirty := sanitizeScheduleSet(uid, set)
		out[uid] = cleaned
		changed = changed || dirty
	}
	if changed {
		s.save(out)
	}
	return out
}

func (s *Schedules) save(all map[string]*ScheduleSet) {
	if err := s.store.Save(KeySchedules, all); err != nil {
		log.Printf("[store] schedules save failed: %v", err)
	}
}

func (s *Schedules) Mutate(userID string, fn func(*ScheduleSet)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.loadAll()
	set := all[userID]
	if set == nil {
		set = NewScheduleSet()
	}
	fn(set)
	all[userID] = set
	s.save(all)
}

// sanitizeScheduleSet drops malformed entries and normalizes clock values
// to zero-padded HH:MM. The second return reports whether anything was
// dropped or rewritten.
func sanitizeScheduleSet(userID string, set *ScheduleSet) (*ScheduleSet, bool) {
	if set == nil {
		return NewScheduleSet(), true
	}
	changed := false
	if set.SpecialDates == nil {
		set.SpecialDates = map[string]string{}
	}

	timed := set.Timed[:0]
	for _, t := range set.Timed {
		norm, ok := clock.NormalizeClock(t.Time)
		if !ok || strings.TrimSpace(t.Date) == "" {
			log.Printf("[store] dropping malformed timed trigger for %s: date=%q time=%q", userID, t.Date, t.Time)
			changed = true
			continue
		}
		if norm != t.Time {
			changed = true
		}
		t.Time = norm
		timed = append(timed, t)
	}
	set.Timed = timed

	daily := set.Daily[:0]
	for _, d := range set.Daily {
		norm, ok := clock.NormalizeClock(d.Time)
		if !ok {
			log.Printf("[store] dropping malformed daily trigger for %s: time=%q", userID, d.Time)
			changed = true
			continue
		}
		if norm != d.Time {
			changed = true
		}
		d.Time = norm
		daily = append(daily, d)
	}
	set.Daily = daily

	return set, changed
}

// Memories wraps the per-user long-term note document.
type Memories struct {
	store     Store
	charLimit int
	mu        sync.Mutex
}

func NewMemories(s Store, charLimit int) *Memories {
	return &Memories{store: s, charLimit: charLimit}
}

func (m *Memories) All() map[string][]MemoryEntry {
	out := map[string][]MemoryEntry{}
	if err := m.store.Load(KeyMemories, &out); err != nil {
		log.Printf("[store] memories load degraded to empty: %v", err)
		return map[string][]MemoryEntry{}
	}
	return out
}

func (m *Memories) save(all map[string][]MemoryEntry) {
	if err := m.store.Save(KeyMemories, all); err != nil {
		log.Printf("[store] memories save failed: %v", err)
	}
}

func (m *Memories) List(userID string) []MemoryEntry {
	return m.All()[userID]
}

// Add appends an entry, evicting oldest entries until the new one fits the
// character limit. Entry length is counted in runes.
func (m *Memories) Add(userID, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.All()
	entries := all[userID]

	total := 0
	for _, e := range entries {
		total += len([]rune(e.Content))
	}
	need := len([]rune(content))
	for total+need > m.charLimit && len(entries) > 0 {
		total -= len([]rune(entries[0].Content))
		entries = entries[1:]
	}

	entries = append(entries, MemoryEntry{
		Content: content,
		Time:    clock.Stamp(clock.Now()),
	})
	all[userID] = entries
	m.save(all)
}

// Delete removes the 1-based entry and returns its content.
func (m *Memories) Delete(userID string, index int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.All()
	entries := all[userID]
	if index < 1 || index > len(entries) {
		return "", false
	}
	removed := entries[index-1]
	all[userID] = append(entries[:index-1], entries[index:]...)
	m.save(all)
	return removed.Content, true
}

func (m *Memories) Clear(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.All()
	all[userID] = []MemoryEntry{}
	m.save(all)
}

// Format renders a user's memories for prompts or the /memory listing.
func (m *Memories) Format(userID string, numbered bool) string {
	entries := m.List(userID)
	if len(entries) == 0 {
		return ""
	}
	lines := make([]string, 0, len(entries))
	for i, e := range entries {
		if numbered {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, e.Content))
		} else {
			lines = append(lines, "- "+e.Content)
		}
	}
	return strings.Join(lines, "\n")
}

func (m *Memories) TotalChars(userID string) int {
	total := 0
	for _, e := range m.List(userID) {
		total += len([]rune(e.Content))
	}
	return total
}

// ChatLogs wraps the shared channel history document. The log for each
// channel is a sliding window; resets never delete shared history, they
// only record a per-user cut-off on the user record.
type ChatLogs struct {
	store  Store
	window int
	mu     sync.Mutex
}

func NewChatLogs(s Store, window int) *ChatLogs {
	return &ChatLogs{store: s, window: window}
}

func (c *ChatLogs) All() map[string][]Turn {
	out := map[string][]Turn{}
	if err := c.store.Load(KeyChatLogs, &out); err != nil {
		log.Printf("[store] chat logs load degraded to empty: %v", err)
		return map[string][]Turn{}
	}
	return out
}

func (c *ChatLogs) Channel(channelID string) []Turn {
	return c.All()[channelID]
}

func (c *ChatLogs) Append(channelID string, turn Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	all := c.All()
	turns := append(all[channelID], turn)
	if len(turns) > c.window {
		turns = turns[len(turns)-c.window:]
	}
	all[channelID] = turns
	if err := c.store.Save(KeyChatLogs, all); err != nil {
		log.Printf("[store] chat logs save failed: %v", err)
	}
}

// After returns the channel turns newer than the cut-off, oldest first.
func (c *ChatLogs) After(channelID string, cutoff time.Time) []Turn {
	turns := c.Channel(channelID)
	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if t.Timestamp.After(cutoff) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
