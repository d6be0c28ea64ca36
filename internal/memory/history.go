package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/tmc/langchaingo/memory"

	"github.com/avvvet/intentpilot/internal/models"
)

// FormatHistory renders entries oldest first as "User:"/"Assistant:"
// lines, ready to be passed as conversation text.
func FormatHistory(ctx context.Context, entries []Entry) (string, error) {
	buffer := memory.NewConversationBuffer(
		memory.WithHumanPrefix("User"),
		memory.WithAIPrefix("Assistant"),
	)

	for _, e := range chronological(entries) {
		if err := buffer.SaveContext(ctx,
			map[string]any{"input": e.Metadata.Query},
			map[string]any{"output": e.Metadata.Response},
		); err != nil {
			return "", fmt.Errorf("failed to add entry to history: %w", err)
		}
	}

	vars, err := buffer.LoadMemoryVariables(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to load history: %w", err)
	}
	text, _ := vars[buffer.GetMemoryKey(ctx)].(string)
	return text, nil
}

// Messages converts entries into role-tagged turns, oldest first.
func Messages(entries []Entry) []models.Message {
	ordered := chronological(entries)
	out := make([]models.Message, 0, 2*len(ordered))
	for _, e := range ordered {
		out = append(out,
			models.Message{Role: models.RoleUser, Content: e.Metadata.Query},
			models.Message{Role: models.RoleAssistant, Content: e.Metadata.Response},
		)
	}
	return out
}

func chronological(entries []Entry) []Entry {
	ordered := make([]Entry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})
	return ordered
}
