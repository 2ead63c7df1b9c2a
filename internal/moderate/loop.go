// Package moderate scores short-form drafts against house style rules and
// drives regeneration under a bounded retry policy. Outside short-form
// mode the loop is skipped entirely.
package moderate

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cocoabot/cocoa/internal/config"
	"github.com/cocoabot/cocoa/internal/directive"
	"github.com/cocoabot/cocoa/internal/history"
	"github.com/cocoabot/cocoa/internal/llm"
	"github.com/cocoabot/cocoa/internal/store"
)

const (
	SegmentCharLimit  = 100
	VolumeMultiplier  = 3
	MaxReworkAttempts = 3

	// FallbackReply substitutes the draft once attempts are exhausted.
	FallbackReply = "Okay!"
)

type ViolationKind string

const (
	ListFormatting  ViolationKind = "list_formatting"
	MessageTooLong  ViolationKind = "message_too_long"
	TooManyMessages ViolationKind = "too_many_messages"
)

// Violation is ephemeral; it exists only to report a turn's outcome.
type Violation struct {
	Kind   ViolationKind
	Detail string
}

var listMarkerPattern = regexp.MustCompile(`^(\d+[.)]\s|[-*•]\s)`)

// Completer abstracts the LLM call (allows fakes in tests).
type Completer interface {
	Complete(ctx context.Context, p config.ModelProfile, msgs []llm.Message) (string, error)
}

type Loop struct {
	completer    Completer
	users        *store.Users
	compactor    *history.Compactor
	judgeProfile config.ModelProfile
}

func NewLoop(completer Completer, users *store.Users, compactor *history.Compactor, judgeProfile config.ModelProfile) *Loop {
	return &Loop{
		completer:    completer,
		users:        users,
		compactor:    compactor,
		judgeProfile: judgeProfile,
	}
}

// Request is one short-form turn awaiting a compliant draft.
type Request struct {
	UserID       string
	Scene        history.Scene
	Inbound      string
	InboundCount int
	Profile      config.ModelProfile
	Messages     []llm.Message
}

type Result struct {
	Reply      string
	Violations []Violation
	Attempts   int
	FellBack   bool
}

// Run drives Draft -> Evaluate -> {Accept, Rework} until a draft passes,
// attempts run out, or the draft call fails. Ledger deductions stick even
// when the final draft is discarded for the fallback.
func (l *Loop) Run(ctx context.Context, req Request) (Result, error) {
	msgs := req.Messages
	var all []Violation

	for attempt := 0; ; attempt++ {
		draft, err := l.completer.Complete(ctx, req.Profile, msgs)
		if err != nil {
			return Result{Violations: all, Attempts: attempt}, err
		}

		violations := l.evaluate(ctx, req, draft)
		all = append(all, violations...)

		balance := applyOutcome(l.users, req.UserID, len(violations))
		needRework := len(violations) > 0 && balance <= PointsFloor

		if !needRework {
			return Result{Reply: draft, Violations: all, Attempts: attempt}, nil
		}
		if attempt >= MaxReworkAttempts {
			return Result{Reply: FallbackReply, Violations: all, Attempts: attempt, FellBack: true}, nil
		}

		msgs = append(msgs, llm.Assistant(draft), llm.System(correction(violations)))
	}
}

// evaluate applies all three checks; violations accumulate rather than
// short-circuit.
func (l *Loop) evaluate(ctx context.Context, req Request, draft string) []Violation {
	var violations []Violation

	// Format check is deterministic, no judge escalation.
	for _, line := range strings.Split(draft, "\n") {
		if listMarkerPattern.MatchString(strings.TrimSpace(line)) {
			violations = append(violations, Violation{
				Kind:   ListFormatting,
				Detail: fmt.Sprintf("list marker in %q", truncate(line, 40)),
			})
			break
		}
	}

	segments := splitSegments(draft)

	for _, seg := range segments {
		if len([]rune(seg)) <= SegmentCharLimit {
			continue
		}
		question := fmt.Sprintf("One message segment is %d characters, over the %d-character guideline for casual chat. Is that length reasonable here?", len([]rune(seg)), SegmentCharLimit)
		if l.judge(ctx, req, draft, question) {
			violations = append(violations, Violation{
				Kind:   MessageTooLong,
				Detail: fmt.Sprintf("segment of %d chars", len([]rune(seg))),
			})
		}
		break
	}

	if req.InboundCount > 0 && len(segments) > VolumeMultiplier*req.InboundCount {
		question := fmt.Sprintf("The draft splits into %d messages replying to %d from the user. Is that volume reasonable?", len(segments), req.InboundCount)
		if l.judge(ctx, req, draft, question) {
			violations = append(violations, Violation{
				Kind:   TooManyMessages,
				Detail: fmt.Sprintf("%d segments for %d inbound", len(segments), req.InboundCount),
			})
		}
	}

	return violations
}

func splitSegments(draft string) []string {
	parts := strings.Split(draft, directive.Delimiter)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, strings.TrimSpace(p))
		}
	}
	return out
}

// correction is the system instruction appended before a rework draft.
func correction(violations []Violation) string {
	kinds := make([]string, 0, len(violations))
	for _, v := range violations {
		kinds = append(kinds, string(v.Kind))
	}
	return fmt.Sprintf(
		"Your reply violated the chat style rules (%s). Rewrite it: no numbered or bulleted lists, keep each message under %d characters, and send at most %d messages per user message.",
		strings.Join(kinds, ", "), SegmentCharLimit, VolumeMultiplier)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
