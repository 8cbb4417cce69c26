// Package selector scores a profile's sections against a selection context
// and splits them into a ranked selected set and a rejected set.
package selector

import (
	"errors"
	"sort"
	"strings"

	"github.com/mkaran/stanza/internal/persona"
)

// ErrNoSections is returned when the profile has no active sections.
var ErrNoSections = errors.New("profile has no active sections")

// ErrInvalidContext is returned when the context carries nothing to score
// against (empty request text and no keyword hints). Mandatory sections
// alone do not suppress this check: an empty context is a caller mistake.
var ErrInvalidContext = errors.New("selection context has no request text or keyword hints")

// HistoryPolicy maps a section's prior usage count to a score multiplier.
// It only affects non-mandatory scoring; mandatory sections are always kept.
type HistoryPolicy func(sectionName string, timesUsed int) float64

// NeutralHistory ignores prior usage.
func NeutralHistory(string, int) float64 { return 1 }

// PenalizeRepeats halves the score for every prior use of the section.
func PenalizeRepeats(_ string, timesUsed int) float64 {
	m := 1.0
	for range timesUsed {
		m /= 2
	}
	return m
}

// BoostContinuity adds 25% per prior use, capped at 2x, favoring sections
// already established in the conversation.
func BoostContinuity(_ string, timesUsed int) float64 {
	m := 1 + 0.25*float64(timesUsed)
	if m > 2 {
		m = 2
	}
	return m
}

// Options tunes a single Select call.
type Options struct {
	// MinScore is the exclusive threshold for non-mandatory sections:
	// a section is selected only if its score is strictly greater.
	MinScore float64
	// History is the usage-weighting policy; nil means NeutralHistory.
	History HistoryPolicy
}

// ScoredSection pairs a section with its relevance score and the trigger
// keywords that produced it.
type ScoredSection struct {
	Section   persona.Section `json:"section"`
	Score     float64         `json:"score"`
	Matched   []string        `json:"matched,omitempty"`
	Mandatory bool            `json:"mandatory"`
}

// Result is the selector's output: the ranked selected set and the
// rejected set with their scores.
type Result struct {
	Selected []ScoredSection `json:"selected"`
	Rejected []ScoredSection `json:"rejected"`
}

// Select scores every active section against the context and splits the
// sections into selected and rejected sets. Mandatory sections are always
// selected regardless of score. The result is deterministic: identical
// inputs produce identical output ordering and scores.
func Select(sections []persona.Section, ctx persona.SelectionContext, opts Options) (Result, error) {
	active := make([]persona.Section, 0, len(sections))
	for _, s := range sections {
		if s.Active {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return Result{}, ErrNoSections
	}

	if strings.TrimSpace(ctx.Request) == "" && len(ctx.Keywords) == 0 {
		return Result{}, ErrInvalidContext
	}

	policy := opts.History
	if policy == nil {
		policy = NeutralHistory
	}

	// Stable candidate order before scoring: ordinal position, then id.
	sort.Slice(active, func(i, j int) bool {
		if active[i].Position != active[j].Position {
			return active[i].Position < active[j].Position
		}
		return active[i].ID < active[j].ID
	})

	haystack := strings.ToLower(ctx.Request)
	hints := make([]string, len(ctx.Keywords))
	for i, k := range ctx.Keywords {
		hints[i] = strings.ToLower(k)
	}

	var res Result
	for _, s := range active {
		score, matched := scoreSection(s, haystack, hints)
		if score > 0 {
			score *= policy(s.Name, ctx.History[s.Name])
		}
		ss := ScoredSection{Section: s, Score: score, Matched: matched, Mandatory: s.Mandatory}
		if s.Mandatory || score > opts.MinScore {
			res.Selected = append(res.Selected, ss)
		} else {
			res.Rejected = append(res.Rejected, ss)
		}
	}

	// Rank selected by score descending; ties go to the lower ordinal so a
	// downstream budget prefers more "core" content, then id for determinism.
	sort.SliceStable(res.Selected, func(i, j int) bool {
		a, b := res.Selected[i], res.Selected[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Section.Position != b.Section.Position {
			return a.Section.Position < b.Section.Position
		}
		return a.Section.ID < b.Section.ID
	})

	return res, nil
}

// scoreSection sums, over each trigger keyword found in the request text or
// hints, the section's trigger weight. Matching is case-insensitive
// substring. A section with no matches scores zero.
func scoreSection(s persona.Section, haystack string, hints []string) (float64, []string) {
	var score float64
	var matched []string
	for _, kw := range s.Keywords {
		needle := strings.ToLower(strings.TrimSpace(kw))
		if needle == "" {
			continue
		}
		if strings.Contains(haystack, needle) || hintMatch(hints, needle) {
			score += s.Weight
			matched = append(matched, kw)
		}
	}
	return score, matched
}

func hintMatch(hints []string, needle string) bool {
	for _, h := range hints {
		if strings.Contains(h, needle) {
			return true
		}
	}
	return false
}
