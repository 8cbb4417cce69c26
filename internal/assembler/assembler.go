// Package assembler turns a selector result plus a profile's fixed prompt
// fragments into one assembled prompt under a size budget. Conflicts and
// budget overruns fail loudly: a silently modified prompt risks
// plausible-but-wrong model behavior with no operator signal.
package assembler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mkaran/stanza/internal/persona"
	"github.com/mkaran/stanza/internal/selector"
)

// BudgetUnits selects how assembled size is measured.
type BudgetUnits string

const (
	UnitChars  BudgetUnits = "chars"
	UnitTokens BudgetUnits = "tokens"
)

// Reason explains why a section ended up included or excluded.
type Reason string

const (
	ReasonMandatory      Reason = "mandatory"
	ReasonScored         Reason = "scored-above-threshold"
	ReasonDependency     Reason = "dependency-pulled-in"
	ReasonForcedInclude  Reason = "forced-include"
	ReasonForcedExclude  Reason = "forced-exclude"
	ReasonBelowThreshold Reason = "below-threshold"
	ReasonConflict       Reason = "excluded-by-conflict"
	ReasonBudget         Reason = "dropped-for-budget"
)

// Options controls one assembly.
type Options struct {
	// MaxBudget is the maximum assembled size in Units. Zero disables
	// budget enforcement.
	MaxBudget int `json:"max_budget,omitempty"`
	// Units defaults to UnitChars.
	Units BudgetUnits `json:"units,omitempty"`
	// ForceInclude and ForceExclude are operator overrides by section id.
	ForceInclude []string `json:"force_include,omitempty"`
	ForceExclude []string `json:"force_exclude,omitempty"`
}

// Disposition records the final fate of one candidate section.
type Disposition struct {
	SectionID string  `json:"section_id"`
	Name      string  `json:"name"`
	Reason    Reason  `json:"reason"`
	Score     float64 `json:"score"`
}

// AssembledPrompt is the assembler's output: the final text, the fate of
// every candidate section, the measured size, and the generation parameters
// the connector should use.
type AssembledPrompt struct {
	Text     string                   `json:"text"`
	Included []Disposition            `json:"included"`
	Excluded []Disposition            `json:"excluded"`
	Size     int                      `json:"size"`
	Units    BudgetUnits              `json:"units"`
	Params   persona.GenerationParams `json:"params"`
}

// DependencyConflictError reports a dependency that cannot be satisfied:
// the required section is force-excluded or conflicts with an already
// included one. Never auto-resolved.
type DependencyConflictError struct {
	Dependent     string // section id that declared the dependency
	Dependency    string // section id the dependency resolves to
	ConflictsWith string // included section id the dependency clashes with, if any
}

func (e *DependencyConflictError) Error() string {
	if e.ConflictsWith != "" {
		return fmt.Sprintf("dependency conflict: section %s requires section %s which conflicts with included section %s", e.Dependent, e.Dependency, e.ConflictsWith)
	}
	return fmt.Sprintf("dependency conflict: section %s requires section %s which cannot be included", e.Dependent, e.Dependency)
}

// MutualExclusionError reports two included sections that exclude each other.
type MutualExclusionError struct {
	SectionA string
	SectionB string
}

func (e *MutualExclusionError) Error() string {
	return fmt.Sprintf("mutual exclusion: sections %s and %s cannot both be included", e.SectionA, e.SectionB)
}

// BudgetExceededError reports that mandatory sections plus profile fragments
// alone exceed the budget. Truncating mid-section is never an option.
type BudgetExceededError struct {
	Size   int
	Budget int
	Units  BudgetUnits
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("assembled prompt exceeds budget: %d > %d %s after dropping all optional sections", e.Size, e.Budget, e.Units)
}

// candidate tracks one section through assembly.
type candidate struct {
	section persona.Section
	score   float64
	reason  Reason
}

// Assemble builds the final prompt from the selector's result and the
// profile's identity/mission/personality fragments. Given identical inputs
// the output is byte-identical.
func Assemble(ctx context.Context, profile persona.Profile, sel selector.Result, opts Options) (AssembledPrompt, error) {
	if opts.Units == "" {
		opts.Units = UnitChars
	}

	forceExcluded := idSet(opts.ForceExclude)
	forceIncluded := idSet(opts.ForceInclude)

	included := make(map[string]*candidate) // by section id
	var order []string                      // insertion order, for deterministic iteration
	var excluded []Disposition

	add := func(s persona.Section, score float64, reason Reason) {
		if _, ok := included[s.ID]; ok {
			return
		}
		included[s.ID] = &candidate{section: s, score: score, reason: reason}
		order = append(order, s.ID)
	}

	// 1. Selected set with operator overrides applied.
	for _, ss := range sel.Selected {
		if forceExcluded[ss.Section.ID] {
			excluded = append(excluded, Disposition{SectionID: ss.Section.ID, Name: ss.Section.Name, Reason: ReasonForcedExclude, Score: ss.Score})
			continue
		}
		reason := ReasonScored
		if ss.Mandatory {
			reason = ReasonMandatory
		}
		add(ss.Section, ss.Score, reason)
	}
	for _, ss := range sel.Rejected {
		switch {
		case forceExcluded[ss.Section.ID]:
			excluded = append(excluded, Disposition{SectionID: ss.Section.ID, Name: ss.Section.Name, Reason: ReasonForcedExclude, Score: ss.Score})
		case forceIncluded[ss.Section.ID]:
			add(ss.Section, ss.Score, ReasonForcedInclude)
		default:
			excluded = append(excluded, Disposition{SectionID: ss.Section.ID, Name: ss.Section.Name, Reason: ReasonBelowThreshold, Score: ss.Score})
		}
	}
	// Forced includes the selector never saw (e.g. inactive sections) come
	// straight from the profile.
	for _, id := range opts.ForceInclude {
		if _, ok := included[id]; ok {
			continue
		}
		if forceExcluded[id] {
			continue
		}
		for _, s := range profile.Sections {
			if s.ID == id {
				add(s, 0, ReasonForcedInclude)
				break
			}
		}
	}

	// 2. Dependency closure to a fixpoint. Dependencies are declared by
	// section name; a dependency that is force-excluded or conflicts with
	// an already included section is a hard error.
	for {
		if err := ctx.Err(); err != nil {
			return AssembledPrompt{}, err
		}
		grew := false
		for _, id := range order {
			c := included[id]
			for _, depName := range c.section.DependsOn {
				dep, ok := profile.SectionByName(depName)
				if !ok {
					return AssembledPrompt{}, fmt.Errorf("section %s depends on unknown section %q", c.section.ID, depName)
				}
				if _, already := included[dep.ID]; already {
					continue
				}
				if forceExcluded[dep.ID] {
					return AssembledPrompt{}, &DependencyConflictError{Dependent: c.section.ID, Dependency: dep.ID}
				}
				if other, conflict := conflictsWithIncluded(dep, included); conflict {
					return AssembledPrompt{}, &DependencyConflictError{Dependent: c.section.ID, Dependency: dep.ID, ConflictsWith: other}
				}
				add(dep, 0, ReasonDependency)
				grew = true
			}
		}
		if !grew {
			break
		}
	}

	// 3. Symmetric mutual-exclusion check over the closed set.
	if a, b, found := findMutualExclusion(included, order); found {
		return AssembledPrompt{}, &MutualExclusionError{SectionA: a, SectionB: b}
	}

	// 4. Budget: drop optional sections lowest score first until the
	// assembly fits. Mandatory sections and sections other included
	// sections depend on stay; if nothing droppable remains and the text
	// is still over budget, fail rather than truncate.
	for opts.MaxBudget > 0 {
		if err := ctx.Err(); err != nil {
			return AssembledPrompt{}, err
		}
		text := render(profile, included)
		size := Measure(text, opts.Units)
		if size <= opts.MaxBudget {
			break
		}
		victim := pickBudgetVictim(included, order)
		if victim == "" {
			return AssembledPrompt{}, &BudgetExceededError{Size: size, Budget: opts.MaxBudget, Units: opts.Units}
		}
		c := included[victim]
		excluded = append(excluded, Disposition{SectionID: victim, Name: c.section.Name, Reason: ReasonBudget, Score: c.score})
		delete(included, victim)
		order = removeID(order, victim)
	}

	text := render(profile, included)

	out := AssembledPrompt{
		Text:   text,
		Size:   Measure(text, opts.Units),
		Units:  opts.Units,
		Params: profile.BaseParams,
	}
	for _, s := range orderedSections(included) {
		c := included[s.ID]
		out.Included = append(out.Included, Disposition{SectionID: s.ID, Name: s.Name, Reason: c.reason, Score: c.score})
	}
	sort.Slice(excluded, func(i, j int) bool { return excluded[i].SectionID < excluded[j].SectionID })
	out.Excluded = excluded
	return out, nil
}

// Measure returns the size of text in the given units. Token estimation
// uses the 4-chars-per-token heuristic.
func Measure(text string, units BudgetUnits) int {
	if units == UnitTokens {
		return (len(text) + 3) / 4
	}
	return len(text)
}

// render concatenates profile fragments and the included section templates,
// ordered by ordinal position then id, joined with blank lines. Fragments
// always come first and are never subject to budget trimming.
func render(profile persona.Profile, included map[string]*candidate) string {
	var parts []string
	for _, frag := range []string{profile.Identity, profile.Mission, profile.Personality} {
		if strings.TrimSpace(frag) != "" {
			parts = append(parts, strings.TrimSpace(frag))
		}
	}
	for _, s := range orderedSections(included) {
		if strings.TrimSpace(s.Template) != "" {
			parts = append(parts, strings.TrimSpace(s.Template))
		}
	}
	return strings.Join(parts, "\n\n")
}

// orderedSections returns included sections sorted by position, then id.
func orderedSections(included map[string]*candidate) []persona.Section {
	out := make([]persona.Section, 0, len(included))
	for _, c := range included {
		out = append(out, c.section)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// pickBudgetVictim chooses the next section to drop: lowest score first,
// ties broken by highest ordinal (least core content), then by id.
// Mandatory sections and dependency targets of remaining sections are
// not droppable. Returns "" when nothing can be dropped.
func pickBudgetVictim(included map[string]*candidate, order []string) string {
	required := make(map[string]bool) // section names other included sections depend on
	for _, c := range included {
		for _, dep := range c.section.DependsOn {
			required[dep] = true
		}
	}

	var victim *candidate
	for _, id := range order {
		c := included[id]
		if c.section.Mandatory || required[c.section.Name] {
			continue
		}
		if victim == nil || dropsBefore(c, victim) {
			victim = c
		}
	}
	if victim == nil {
		return ""
	}
	return victim.section.ID
}

func dropsBefore(a, b *candidate) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	if a.section.Position != b.section.Position {
		return a.section.Position > b.section.Position
	}
	return a.section.ID > b.section.ID
}

// conflictsWithIncluded reports whether s excludes, or is excluded by, any
// included section. The check is symmetric even when only one side
// declares the exclusion.
func conflictsWithIncluded(s persona.Section, included map[string]*candidate) (otherID string, conflict bool) {
	for _, other := range orderedSections(included) {
		if excludesEitherWay(s, other) {
			return other.ID, true
		}
	}
	return "", false
}

// findMutualExclusion scans included pairs in deterministic order and
// returns the first conflicting pair.
func findMutualExclusion(included map[string]*candidate, order []string) (a, b string, found bool) {
	ids := append([]string(nil), order...)
	sort.Strings(ids)
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			x, y := included[ids[i]].section, included[ids[j]].section
			if excludesEitherWay(x, y) {
				return x.ID, y.ID, true
			}
		}
	}
	return "", "", false
}

func excludesEitherWay(a, b persona.Section) bool {
	return contains(a.Excludes, b.Name) || contains(b.Excludes, a.Name)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func idSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func removeID(order []string, id string) []string {
	out := order[:0]
	for _, v := range order {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
