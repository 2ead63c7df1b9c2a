package moderate

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/cocoabot/cocoa/internal/config"
	"github.com/cocoabot/cocoa/internal/llm"
)

// The judge always runs on a fixed fast model; only the credentials come
// from the configured default profile.
const (
	judgeModelName     = "claude-3-5-haiku"
	judgeContextTokens = 30000
	judgeMaxTokens     = 256
)

// JudgeProfile derives the judge's model profile from the profile whose
// credentials it borrows.
func JudgeProfile(base config.ModelProfile) config.ModelProfile {
	return config.ModelProfile{
		BaseURL:    base.BaseURL,
		APIKey:     base.APIKey,
		Model:      judgeModelName,
		TokenLimit: judgeContextTokens,
		MaxTokens:  judgeMaxTokens,
	}
}

// judge escalates an ambiguous check to a second completion. The verdict
// is the literal word "unreasonable"; any other answer, or a failed call,
// counts as reasonable (fail-open).
func (l *Loop) judge(ctx context.Context, req Request, draft, question string) bool {
	var sb strings.Builder
	sb.WriteString("You review chat replies for a conversational assistant. ")
	sb.WriteString("Answer with exactly one word: \"reasonable\" or \"unreasonable\".\n\n")

	if l.compactor != nil {
		recent := l.compactor.Build(req.UserID, req.Scene, judgeContextTokens)
		if len(recent) > 0 {
			sb.WriteString("Recent conversation:\n")
			for _, m := range recent {
				sb.WriteString(fmt.Sprintf("%s: %s\n", m.Role, m.Content))
			}
			sb.WriteString("\n")
		}
	}

	prompt := fmt.Sprintf("User wrote:\n%s\n\nAssistant draft:\n%s\n\n%s", req.Inbound, draft, question)

	answer, err := l.completer.Complete(ctx, l.judgeProfile, []llm.Message{
		llm.System(sb.String()),
		llm.User(prompt),
	})
	if err != nil {
		log.Printf("[moderate] judge call failed, accepting draft: %v", err)
		return false
	}
	return strings.Contains(strings.ToLower(answer), "unreasonable")
}
