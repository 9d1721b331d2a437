// Package gen wraps the external completion service that produces fact
// lists, long-form expansions and follow-up lines.
package gen

import (
	"context"
	"errors"
	"unicode/utf8"
)

// ErrGeneration wraps every collaborator failure: unreachable backend,
// empty completion, unparseable content. Callers match it with errors.Is.
var ErrGeneration = errors.New("generation failed")

const (
	// maxLineLen caps facts and follow-up lines.
	maxLineLen = 200
	// maxExpansionLen caps expansion prose.
	maxExpansionLen = 2000
)

// Generator is the contract the feed service consumes.
type Generator interface {
	// Facts returns up to count deduplicated, non-empty facts about topic,
	// each at most 200 characters.
	Facts(ctx context.Context, topic string, count int) ([]string, error)
	// Expansion returns up to 2000 characters of prose building on brief.
	// style is an optional hint and may be empty.
	Expansion(ctx context.Context, topic, brief, style string) (string, error)
	// Followup returns one new line (<=200 chars) closely related to text.
	Followup(ctx context.Context, topic, text string) (string, error)
}

// truncate cuts s to at most limit runes, ending with an ellipsis when it
// had to cut.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-3]) + "…"
}
