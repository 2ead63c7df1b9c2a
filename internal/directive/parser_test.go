package directive

import (
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestParseSingleDirectives(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantVisible string
		wantKind    Kind
		check       func(t *testing.T, d Directive)
	}{
		{
			name:        "reaction next to text",
			raw:         "ok[[REACT|heart]]",
			wantVisible: "ok",
			wantKind:    KindReaction,
			check: func(t *testing.T, d Directive) {
				if d.Emoji != "heart" {
					t.Errorf("Emoji = %q", d.Emoji)
				}
			},
		},
		{
			name:        "timed canonical",
			raw:         "Noted![[TIMED|2026-03-05|09:00|dentist appointment]]",
			wantVisible: "Noted!",
			wantKind:    KindTimed,
			check: func(t *testing.T, d Directive) {
				if d.Date != "2026-03-05" || d.Time != "09:00" || d.Content != "dentist appointment" {
					t.Errorf("got %+v", d)
				}
			},
		},
		{
			name:        "timed legacy implies today",
			raw:         "[[TIMED|21:30|tea time]]ok",
			wantVisible: "ok",
			wantKind:    KindTimed,
			check: func(t *testing.T, d Directive) {
				if d.Date != "2026-03-01" {
					t.Errorf("Date = %q, want today", d.Date)
				}
				if d.Time != "21:30" {
					t.Errorf("Time = %q", d.Time)
				}
			},
		},
		{
			name:        "timed loose clock normalized",
			raw:         "[[TIMED|9:5|morning walk]]",
			wantVisible: "",
			wantKind:    KindTimed,
			check: func(t *testing.T, d Directive) {
				if d.Time != "09:05" {
					t.Errorf("Time = %q, want 09:05", d.Time)
				}
			},
		},
		{
			name:        "daily",
			raw:         "[[DAILY|08:00|breakfast reminder]]",
			wantVisible: "",
			wantKind:    KindDaily,
			check: func(t *testing.T, d Directive) {
				if d.Time != "08:00" || d.Content != "breakfast reminder" {
					t.Errorf("got %+v", d)
				}
			},
		},
		{
			name:        "special date",
			raw:         "[[SPECIALDATE|11-05|partner's birthday]]",
			wantVisible: "",
			wantKind:    KindSpecialDate,
			check: func(t *testing.T, d Directive) {
				if d.Date != "11-05" || d.Content != "partner's birthday" {
					t.Errorf("got %+v", d)
				}
			},
		},
		{
			name:        "dm with greedy content",
			raw:         "[[DM|remember: a|b|c]]",
			wantVisible: "",
			wantKind:    KindDM,
			check: func(t *testing.T, d Directive) {
				if d.Content != "remember: a|b|c" {
					t.Errorf("Content = %q", d.Content)
				}
			},
		},
		{
			name:        "to channel",
			raw:         "[[TOCHANNEL|general|meeting moved to 3pm]]",
			wantVisible: "",
			wantKind:    KindToChannel,
			check: func(t *testing.T, d Directive) {
				if d.Target != "general" || d.Content != "meeting moved to 3pm" {
					t.Errorf("got %+v", d)
				}
			},
		},
		{
			name:        "memory for actor",
			raw:         "Got it[[MEMORY|likes oolong tea]]",
			wantVisible: "Got it",
			wantKind:    KindMemory,
			check: func(t *testing.T, d Directive) {
				if d.Target != "U123" {
					t.Errorf("Target = %q, want actor", d.Target)
				}
				if d.Content != "likes oolong tea" {
					t.Errorf("Content = %q", d.Content)
				}
			},
		},
		{
			name:        "memory with explicit user",
			raw:         "[[MEMORY|U456|moved to Tokyo]]",
			wantVisible: "",
			wantKind:    KindMemory,
			check: func(t *testing.T, d Directive) {
				if d.Target != "U456" || d.Content != "moved to Tokyo" {
					t.Errorf("got %+v", d)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			visible, dirs, hadHidden := Parse(tt.raw, "U123", testNow)
			if visible != tt.wantVisible {
				t.Errorf("visible = %q, want %q", visible, tt.wantVisible)
			}
			if len(dirs) != 1 {
				t.Fatalf("got %d directives, want 1", len(dirs))
			}
			if !hadHidden {
				t.Error("hadHidden = false")
			}
			if dirs[0].Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", dirs[0].Kind, tt.wantKind)
			}
			if tt.check != nil {
				tt.check(t, dirs[0])
			}
		})
	}
}

func TestParseUnrecognizedLeftVerbatim(t *testing.T) {
	tests := []string{
		"see [[this link]] here",
		"[[TIMED|25:00|bad clock]]",
		"[[TIMED|2026-3-5|09:00|loose date]]",
		"[[SPECIALDATE|13-40|no such day]]",
		"[[REACT|]]",
		"[[UNKNOWN|x]]",
		"[[MEMORY|ONLYIDENT]]", // ambiguous single ident is rejected
	}
	for _, raw := range tests {
		visible, dirs, hadHidden := Parse(raw, "U123", testNow)
		if len(dirs) != 0 || hadHidden {
			t.Errorf("Parse(%q) recognized %d directives, want 0", raw, len(dirs))
		}
		if visible != raw {
			t.Errorf("Parse(%q) visible = %q, want verbatim", raw, visible)
		}
	}
}

func TestParseMultipleAndCleanup(t *testing.T) {
	raw := "Sure!\n\n\n[[MEMORY|prefers mornings]]\n\n\n\n[[REACT|thumbsup]]\n\nSee you."
	visible, dirs, _ := Parse(raw, "U123", testNow)
	if len(dirs) != 2 {
		t.Fatalf("got %d directives", len(dirs))
	}
	if visible != "Sure!\n\nSee you." {
		t.Errorf("visible = %q", visible)
	}
}

func TestParseUnterminatedBlock(t *testing.T) {
	raw := "half [[TIMED|09:00 open"
	visible, dirs, _ := Parse(raw, "U123", testNow)
	if len(dirs) != 0 || visible != raw {
		t.Errorf("visible = %q, dirs = %d", visible, len(dirs))
	}
}

func TestParsePreservesSentinels(t *testing.T) {
	visible, _, _ := Parse("[[REACT|heart]]"+NoSendToken, "U123", testNow)
	if visible != NoSendToken {
		t.Errorf("visible = %q, want sentinel preserved", visible)
	}

	visible, _, _ = Parse("one|||two", "U123", testNow)
	if visible != "one|||two" {
		t.Errorf("visible = %q, delimiter must survive parsing", visible)
	}
}
