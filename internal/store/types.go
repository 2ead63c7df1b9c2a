package store

import "time"

// Turn is one stored message in a conversation log.
type Turn struct {
	SpeakerID   string    `json:"speaker_id,omitempty"`
	SpeakerName string    `json:"speaker_name,omitempty"`
	Content     string    `json:"content,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	IsAgent     bool      `json:"is_agent,omitempty"`
	Hidden      bool      `json:"hidden,omitempty"` // directives were stripped from the delivered form
	Reset       bool      `json:"reset,omitempty"`  // conversation reset marker
}

// UserRecord is everything persisted per user outside of schedules,
// memories and the shared channel logs.
type UserRecord struct {
	DMHistory   []Turn            `json:"dm_history,omitempty"`
	Profile     string            `json:"profile,omitempty"`
	Mode        string            `json:"mode,omitempty"` // "long" (default) or "short"
	PointsUsed  int               `json:"points_used"`
	AIPoints    int               `json:"ai_points"`
	LastActive  int64             `json:"last_active,omitempty"` // unix seconds
	DMChannel   string            `json:"dm_channel,omitempty"`
	LastChannel string            `json:"last_channel,omitempty"`
	Backend     string            `json:"backend,omitempty"` // channel backend the user arrived on
	IncludeDM   map[string]*bool  `json:"include_dm,omitempty"`
	ResetCutoff map[string]string `json:"reset_cutoff,omitempty"` // channel id -> RFC3339 cut-off
	ActiveChats map[string]bool   `json:"active_chats,omitempty"`
}

func (u *UserRecord) ModeOrDefault() string {
	if u.Mode == "" {
		return "long"
	}
	return u.Mode
}

// ScheduleSet holds a user's pending triggers.
type ScheduleSet struct {
	Timed        []TimedTrigger    `json:"timed"`
	Daily        []DailyTrigger    `json:"daily"`
	SpecialDates map[string]string `json:"special_dates"`
}

func NewScheduleSet() *ScheduleSet {
	return &ScheduleSet{
		Timed:        []TimedTrigger{},
		Daily:        []DailyTrigger{},
		SpecialDates: map[string]string{},
	}
}

// TimedTrigger is a one-shot trigger, removed after firing. Time is always
// stored zero-padded HH:MM; an entry missing either field is invalid and is
// discarded at load.
type TimedTrigger struct {
	Date string `json:"date"`
	Time string `json:"time"`
	Hint string `json:"hint"`
}

// DailyTrigger recurs every day at Time and is never removed automatically.
type DailyTrigger struct {
	Time  string `json:"time"`
	Topic string `json:"topic"`
}

// MemoryEntry is one long-term note. Entries are ordered oldest first and
// FIFO-evicted when the per-user character limit would be exceeded.
type MemoryEntry struct {
	Content string `json:"content"`
	Time    string `json:"time"`
}
