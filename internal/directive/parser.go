// Package directive implements the instruction mini-language embedded in
// model output. Directives are written as [[KEYWORD|arg|...]] blocks; they
// are stripped from the visible reply and realized as side effects by the
// Dispatcher.
package directive

import (
	"regexp"
	"strings"
	"time"

	"github.com/cocoabot/cocoa/internal/clock"
)

type Kind int

const (
	KindTimed Kind = iota
	KindDaily
	KindMemory
	KindSpecialDate
	KindDM
	KindToChannel
	KindReaction
)

func (k Kind) String() string {
	switch k {
	case KindTimed:
		return "timed"
	case KindDaily:
		return "daily"
	case KindMemory:
		return "memory"
	case KindSpecialDate:
		return "special_date"
	case KindDM:
		return "dm"
	case KindToChannel:
		return "to_channel"
	case KindReaction:
		return "reaction"
	}
	return "unknown"
}

// Directive is a parsed instruction. Which fields are set depends on Kind:
// Timed uses Date/Time/Content, Daily Time/Content, Memory Target/Content,
// SpecialDate Date/Content, DM Content, ToChannel Target/Content and
// Reaction Emoji.
type Directive struct {
	Kind    Kind
	Date    string
	Time    string
	Target  string
	Content string
	Emoji   string
}

// Sentinel tokens shared with the delivery path.
const (
	NoSendToken = "[NOSEND]"
	Delimiter   = "|||"
)

var (
	identPattern  = regexp.MustCompile(`^[A-Z0-9]+$`)
	extraNewlines = regexp.MustCompile(`\n{3,}`)
	datePattern   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	monthDayPat   = regexp.MustCompile(`^\d{2}-\d{2}$`)
)

// Parse scans raw model output for directive blocks. Recognized blocks are
// removed from the visible text and returned as Directives; blocks that do
// not match a known grammar are left verbatim. The one-argument MEMORY form
// is only accepted when its argument cannot be a user identifier, so the
// two-argument grammar always wins. After removal, runs of three or more
// newlines collapse to two and surrounding whitespace is trimmed.
func Parse(raw, actorID string, now time.Time) (visible string, dirs []Directive, hadHidden bool) {
	var sb strings.Builder
	rest := raw

	for {
		start := strings.Index(rest, "[[")
		if start == -1 {
			sb.WriteString(rest)
			break
		}
		end := strings.Index(rest[start+2:], "]]")
		if end == -1 {
			sb.WriteString(rest)
			break
		}
		end += start + 2

		body := rest[start+2 : end]
		if d, ok := recognize(body, actorID, now); ok {
			sb.WriteString(rest[:start])
			dirs = append(dirs, d)
			hadHidden = true
		} else {
			// Not a known grammar: keep the literal text including the
			// brackets.
			sb.WriteString(rest[:end+2])
		}
		rest = rest[end+2:]
	}

	visible = extraNewlines.ReplaceAllString(sb.String(), "\n\n")
	visible = strings.TrimSpace(visible)
	return visible, dirs, hadHidden
}

// recognize matches one block body against the grammar. The last argument
// of every content-bearing form is greedy, so message text may itself
// contain pipes.
func recognize(body, actorID string, now time.Time) (Directive, bool) {
	fields := strings.Split(body, "|")
	keyword := strings.TrimSpace(fields[0])
	args := fields[1:]

	join := func(from int) string { return strings.Join(args[from:], "|") }

	switch keyword {
	case "TIMED":
		return recognizeTimed(args, now)
	case "DAILY":
		if len(args) < 2 {
			return Directive{}, false
		}
		t, ok := clock.NormalizeClock(args[0])
		if !ok || strings.TrimSpace(join(1)) == "" {
			return Directive{}, false
		}
		return Directive{Kind: KindDaily, Time: t, Content: join(1)}, true
	case "MEMORY":
		return recognizeMemory(args, actorID)
	case "SPECIALDATE":
		if len(args) < 2 || !monthDayPat.MatchString(args[0]) || strings.TrimSpace(join(1)) == "" {
			return Directive{}, false
		}
		if _, err := time.Parse("01-02", args[0]); err != nil {
			return Directive{}, false
		}
		return Directive{Kind: KindSpecialDate, Date: args[0], Content: join(1)}, true
	case "DM":
		if len(args) < 1 || strings.TrimSpace(join(0)) == "" {
			return Directive{}, false
		}
		return Directive{Kind: KindDM, Content: join(0)}, true
	case "TOCHANNEL":
		if len(args) < 2 || strings.TrimSpace(args[0]) == "" || strings.TrimSpace(join(1)) == "" {
			return Directive{}, false
		}
		return Directive{Kind: KindToChannel, Target: strings.TrimSpace(args[0]), Content: join(1)}, true
	case "REACT":
		if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
			return Directive{}, false
		}
		return Directive{Kind: KindReaction, Emoji: strings.TrimSpace(args[0])}, true
	}
	return Directive{}, false
}

// recognizeTimed accepts the canonical [[TIMED|YYYY-MM-DD|HH:MM|hint]] form
// and the legacy [[TIMED|HH:MM|hint]] form, which implies today's date.
func recognizeTimed(args []string, now time.Time) (Directive, bool) {
	if len(args) >= 3 && datePattern.MatchString(args[0]) {
		if _, err := time.Parse("2006-01-02", args[0]); err != nil {
			return Directive{}, false
		}
		t, ok := clock.NormalizeClock(args[1])
		hint := strings.Join(args[2:], "|")
		if !ok || strings.TrimSpace(hint) == "" {
			return Directive{}, false
		}
		return Directive{Kind: KindTimed, Date: args[0], Time: t, Content: hint}, true
	}
	if len(args) >= 2 {
		t, ok := clock.NormalizeClock(args[0])
		hint := strings.Join(args[1:], "|")
		if !ok || strings.TrimSpace(hint) == "" {
			return Directive{}, false
		}
		return Directive{Kind: KindTimed, Date: clock.DateKey(now), Time: t, Content: hint}, true
	}
	return Directive{}, false
}

// recognizeMemory routes [[MEMORY|USERID|content]] to the named user and
// [[MEMORY|content]] to the actor. A single argument that looks like an
// identifier is ambiguous with a truncated two-argument form and is left
// untouched in the text; the two-argument grammar is matched first by
// construction.
func recognizeMemory(args []string, actorID string) (Directive, bool) {
	if len(args) >= 2 && identPattern.MatchString(args[0]) {
		content := strings.Join(args[1:], "|")
		if strings.TrimSpace(content) == "" {
			return Directive{}, false
		}
		return Directive{Kind: KindMemory, Target: args[0], Content: content}, true
	}
	if len(args) == 1 {
		if strings.TrimSpace(args[0]) == "" || identPattern.MatchString(args[0]) {
			return Directive{}, false
		}
		return Directive{Kind: KindMemory, Target: actorID, Content: args[0]}, true
	}
	return Directive{}, false
}
