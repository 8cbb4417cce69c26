package selector

import (
	"errors"
	"testing"

	"github.com/mkaran/stanza/internal/persona"
)

func section(id, name string, pos int, keywords []string, weight float64, mandatory bool) persona.Section {
	return persona.Section{
		ID:        id,
		Name:      name,
		Position:  pos,
		Keywords:  keywords,
		Weight:    weight,
		Mandatory: mandatory,
		Active:    true,
	}
}

func TestSelectNoActiveSections(t *testing.T) {
	inactive := section("s1", "identity", 0, nil, 1, true)
	inactive.Active = false

	_, err := Select([]persona.Section{inactive}, persona.SelectionContext{Request: "hello"}, Options{})
	if !errors.Is(err, ErrNoSections) {
		t.Fatalf("err = %v, want ErrNoSections", err)
	}
}

func TestSelectEmptyContext(t *testing.T) {
	sections := []persona.Section{section("s1", "identity", 0, nil, 1, true)}

	_, err := Select(sections, persona.SelectionContext{Request: "   "}, Options{})
	if !errors.Is(err, ErrInvalidContext) {
		t.Fatalf("err = %v, want ErrInvalidContext", err)
	}

	// Keyword hints alone make the context valid.
	if _, err := Select(sections, persona.SelectionContext{Keywords: []string{"billing"}}, Options{}); err != nil {
		t.Fatalf("unexpected error with hint-only context: %v", err)
	}
}

func TestMandatoryAlwaysSelected(t *testing.T) {
	sections := []persona.Section{
		section("s1", "identity", 0, nil, 1, true),
		section("s2", "billing", 1, []string{"invoice"}, 3, false),
	}

	res, err := Select(sections, persona.SelectionContext{Request: "unrelated request"}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(res.Selected) != 1 || res.Selected[0].Section.Name != "identity" {
		t.Fatalf("selected = %+v, want only the mandatory section", res.Selected)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Section.Name != "billing" {
		t.Fatalf("rejected = %+v, want the unmatched billing section", res.Rejected)
	}
	if res.Selected[0].Score != 0 {
		t.Errorf("mandatory unmatched score = %v, want 0", res.Selected[0].Score)
	}
}

func TestKeywordScoringSumsWeightPerMatch(t *testing.T) {
	sections := []persona.Section{
		section("s1", "billing", 0, []string{"invoice", "refund"}, 5, false),
	}

	res, err := Select(sections, persona.SelectionContext{Request: "I need a refund for this invoice"}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(res.Selected) != 1 {
		t.Fatalf("selected count = %d, want 1", len(res.Selected))
	}
	got := res.Selected[0]
	if got.Score != 10 {
		t.Errorf("score = %v, want 10 (two matches at weight 5)", got.Score)
	}
	if len(got.Matched) != 2 {
		t.Errorf("matched = %v, want both keywords", got.Matched)
	}
}

func TestMatchingIsCaseInsensitive(t *testing.T) {
	sections := []persona.Section{
		section("s1", "billing", 0, []string{"Invoice"}, 2, false),
	}

	res, err := Select(sections, persona.SelectionContext{Request: "about my INVOICE"}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Selected) != 1 || res.Selected[0].Score != 2 {
		t.Fatalf("selected = %+v, want one section scoring 2", res.Selected)
	}
}

func TestHintsCountAsMatches(t *testing.T) {
	sections := []persona.Section{
		section("s1", "code-style", 0, []string{"golang"}, 4, false),
	}

	ctx := persona.SelectionContext{Request: "review this", Keywords: []string{"golang", "review"}}
	res, err := Select(sections, ctx, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Selected) != 1 || res.Selected[0].Score != 4 {
		t.Fatalf("selected = %+v, want hint match scoring 4", res.Selected)
	}
}

func TestMinScoreIsStrict(t *testing.T) {
	sections := []persona.Section{
		section("s1", "billing", 0, []string{"invoice"}, 2, false),
	}
	ctx := persona.SelectionContext{Request: "my invoice"}

	res, err := Select(sections, ctx, Options{MinScore: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Selected) != 0 {
		t.Fatalf("score equal to MinScore should be rejected, got %+v", res.Selected)
	}

	res, err = Select(sections, ctx, Options{MinScore: 1.9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Selected) != 1 {
		t.Fatalf("score above MinScore should be selected, got %+v", res.Selected)
	}
}

func TestRankingScoreThenPositionThenID(t *testing.T) {
	sections := []persona.Section{
		section("s3", "c", 2, []string{"go"}, 5, false),
		section("s1", "a", 1, []string{"go"}, 5, false),
		section("s2", "b", 1, []string{"go"}, 8, false),
	}

	res, err := Select(sections, persona.SelectionContext{Request: "go tooling"}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"b", "a", "c"}
	if len(res.Selected) != len(want) {
		t.Fatalf("selected count = %d, want %d", len(res.Selected), len(want))
	}
	for i, name := range want {
		if res.Selected[i].Section.Name != name {
			t.Errorf("rank %d = %s, want %s", i, res.Selected[i].Section.Name, name)
		}
	}
}

func TestSelectIsDeterministic(t *testing.T) {
	sections := []persona.Section{
		section("s2", "b", 0, []string{"go"}, 3, false),
		section("s1", "a", 0, []string{"go"}, 3, false),
		section("s4", "d", 0, []string{"go"}, 3, false),
		section("s3", "c", 0, []string{"go"}, 3, false),
	}
	ctx := persona.SelectionContext{Request: "go"}

	first, err := Select(sections, ctx, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for range 20 {
		again, err := Select(sections, ctx, Options{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for i := range first.Selected {
			if again.Selected[i].Section.ID != first.Selected[i].Section.ID {
				t.Fatalf("ordering changed across runs: %v vs %v", again.Selected[i].Section.ID, first.Selected[i].Section.ID)
			}
		}
	}
	// Equal scores and positions fall back to id order.
	want := []string{"s1", "s2", "s3", "s4"}
	for i, id := range want {
		if first.Selected[i].Section.ID != id {
			t.Errorf("rank %d = %s, want %s", i, first.Selected[i].Section.ID, id)
		}
	}
}

func TestPenalizeRepeatsHalvesPerUse(t *testing.T) {
	sections := []persona.Section{
		section("s1", "billing", 0, []string{"invoice"}, 8, false),
	}
	ctx := persona.SelectionContext{
		Request: "invoice",
		History: map[string]int{"billing": 2},
	}

	res, err := Select(sections, ctx, Options{History: PenalizeRepeats})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Selected) != 1 || res.Selected[0].Score != 2 {
		t.Fatalf("selected = %+v, want score 8/4 = 2", res.Selected)
	}
}

func TestBoostContinuityCapsAtDouble(t *testing.T) {
	if got := BoostContinuity("x", 2); got != 1.5 {
		t.Errorf("BoostContinuity(2) = %v, want 1.5", got)
	}
	if got := BoostContinuity("x", 10); got != 2 {
		t.Errorf("BoostContinuity(10) = %v, want capped 2", got)
	}
}

func TestHistoryDoesNotReviveZeroScores(t *testing.T) {
	sections := []persona.Section{
		section("s1", "billing", 0, []string{"invoice"}, 8, false),
	}
	ctx := persona.SelectionContext{
		Request: "nothing relevant",
		History: map[string]int{"billing": 4},
	}

	res, err := Select(sections, ctx, Options{History: BoostContinuity})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Score != 0 {
		t.Fatalf("rejected = %+v, want unmatched section staying at zero", res.Rejected)
	}
}
