package services

import (
	"slices"
	"unicode/utf8"

	"workflow-copilot/backend/pkg/models"
)

// SelectContextWindow returns the longest suffix of messages whose token
// counts sum to at most budget, in chronological order. messages must
// already be chronological. Selection stops at the first message that does
// not fit; older messages are never considered after that.
func SelectContextWindow(messages []*models.Message, budget int) []*models.Message {
	window := []*models.Message{}
	used := 0
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if used+m.TokenCount > budget {
			break
		}
		used += m.TokenCount
		window = append(window, m)
	}
	slices.Reverse(window)
	return window
}

// sortMessages orders messages by creation time. Stores make no ordering
// promise, so every reader re-sorts.
func sortMessages(messages []*models.Message) {
	slices.SortStableFunc(messages, func(a, b *models.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

func sumTokens(messages []*models.Message) int {
	total := 0
	for _, m := range messages {
		total += m.TokenCount
	}
	return total
}

// EstimateTokens approximates a token count as one token per four runes.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
