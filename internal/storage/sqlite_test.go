package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mkaran/stanza/internal/persona"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testProfile(id, slug string) persona.Profile {
	temp := 0.7
	return persona.Profile{
		ID:       id,
		Name:     "Writing Coach",
		Slug:     slug,
		Version:  "1.0.0",
		Domain:   "writing",
		Tags:     []string{"coach", "editing"},
		Identity: "You are a writing coach.",
		Mission:  "Improve the user's prose.",
		BaseParams: persona.GenerationParams{
			Temperature: &temp,
		},
		Status:     persona.StatusDraft,
		Visibility: persona.VisibilityPrivate,
		CreatedBy:  "tester",
	}
}

func testSection(id, profileID, name string, position int) persona.Section {
	return persona.Section{
		ID:        id,
		ProfileID: profileID,
		Name:      name,
		Type:      "style",
		Position:  position,
		Keywords:  []string{"tone", "voice"},
		Weight:    5,
		Template:  "Keep the tone conversational.",
		Active:    true,
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestProfileRoundTrip(t *testing.T) {
	s := openTestStore(t)

	want := testProfile("p1", "writing-coach")
	if err := s.CreateProfile(want); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}

	got, err := s.GetProfile("p1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}

	if got.Name != want.Name {
		t.Errorf("Name = %q, want %q", got.Name, want.Name)
	}
	if got.Slug != want.Slug {
		t.Errorf("Slug = %q, want %q", got.Slug, want.Slug)
	}
	if got.Identity != want.Identity {
		t.Errorf("Identity = %q, want %q", got.Identity, want.Identity)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "coach" {
		t.Errorf("Tags = %v, want %v", got.Tags, want.Tags)
	}
	if got.BaseParams.Temperature == nil || *got.BaseParams.Temperature != 0.7 {
		t.Errorf("BaseParams.Temperature = %v, want 0.7", got.BaseParams.Temperature)
	}
	if got.Status != persona.StatusDraft {
		t.Errorf("Status = %q, want %q", got.Status, persona.StatusDraft)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set on create")
	}
}

func TestGetProfileNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetProfile("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestGetProfileBySlug(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateProfile(testProfile("p1", "writing-coach")); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}

	got, err := s.GetProfileBySlug("writing-coach")
	if err != nil {
		t.Fatalf("GetProfileBySlug: %v", err)
	}
	if got.ID != "p1" {
		t.Errorf("ID = %q, want %q", got.ID, "p1")
	}

	if _, err := s.GetProfileBySlug("no-such-slug"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

// TestGetProfileLoadsSections verifies sections come back ordered by
// position, then id.
func TestGetProfileLoadsSections(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateProfile(testProfile("p1", "writing-coach")); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	for _, sec := range []persona.Section{
		testSection("s3", "p1", "citations", 2),
		testSection("s2", "p1", "brevity", 1),
		testSection("s1", "p1", "tone", 1),
	} {
		if err := s.CreateSection(sec); err != nil {
			t.Fatalf("CreateSection %s: %v", sec.ID, err)
		}
	}

	got, err := s.GetProfile("p1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}

	if len(got.Sections) != 3 {
		t.Fatalf("got %d sections, want 3", len(got.Sections))
	}
	wantOrder := []string{"s1", "s2", "s3"}
	for i, id := range wantOrder {
		if got.Sections[i].ID != id {
			t.Errorf("Sections[%d].ID = %q, want %q", i, got.Sections[i].ID, id)
		}
	}
}

// TestSlugUniqueAmongLive verifies the slug constraint only binds live
// profiles: a soft-deleted profile frees its slug.
func TestSlugUniqueAmongLive(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateProfile(testProfile("p1", "writing-coach")); err != nil {
		t.Fatalf("CreateProfile p1: %v", err)
	}
	if err := s.CreateProfile(testProfile("p2", "writing-coach")); err == nil {
		t.Error("expected duplicate slug to fail")
	}

	if err := s.SoftDeleteProfile("p1"); err != nil {
		t.Fatalf("SoftDeleteProfile: %v", err)
	}
	if err := s.CreateProfile(testProfile("p2", "writing-coach")); err != nil {
		t.Errorf("CreateProfile after soft delete: %v", err)
	}
}

func TestCreateProfileStartsLineage(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateProfile(testProfile("p1", "writing-coach")); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}

	got, err := s.GetProfile("p1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.LineageID != "p1" {
		t.Errorf("LineageID = %q, want %q", got.LineageID, "p1")
	}
}

func TestSetPrimaryDemotesPrevious(t *testing.T) {
	s := openTestStore(t)

	v1 := testProfile("p1", "writing-coach")
	v1.Primary = true
	if err := s.CreateProfile(v1); err != nil {
		t.Fatalf("CreateProfile v1: %v", err)
	}

	v2 := testProfile("p2", "writing-coach-v2")
	v2.Version = "2.0.0"
	v2.LineageID = "p1"
	v2.ParentID = "p1"
	if err := s.CreateProfile(v2); err != nil {
		t.Fatalf("CreateProfile v2: %v", err)
	}

	if err := s.SetPrimary("p2"); err != nil {
		t.Fatalf("SetPrimary: %v", err)
	}

	got1, err := s.GetProfile("p1")
	if err != nil {
		t.Fatalf("GetProfile p1: %v", err)
	}
	got2, err := s.GetProfile("p2")
	if err != nil {
		t.Fatalf("GetProfile p2: %v", err)
	}

	if got1.Primary {
		t.Error("p1 should have been demoted")
	}
	if !got2.Primary {
		t.Error("p2 should be primary")
	}
}

func TestSoftDeleteHidesProfile(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateProfile(testProfile("p1", "writing-coach")); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	if err := s.SoftDeleteProfile("p1"); err != nil {
		t.Fatalf("SoftDeleteProfile: %v", err)
	}

	if _, err := s.GetProfile("p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetProfile after delete: error = %v, want ErrNotFound", err)
	}

	list, err := s.ListProfiles(10)
	if err != nil {
		t.Fatalf("ListProfiles: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("got %d profiles, want 0", len(list))
	}

	if err := s.SoftDeleteProfile("p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: error = %v, want ErrNotFound", err)
	}
}

func TestListProfilesNewestFirst(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for j := 0; j < 3; j++ {
		p := testProfile(fmt.Sprintf("p%d", j), fmt.Sprintf("coach-%d", j))
		p.CreatedAt = base.Add(time.Duration(j) * time.Hour)
		if err := s.CreateProfile(p); err != nil {
			t.Fatalf("CreateProfile %d: %v", j, err)
		}
	}

	got, err := s.ListProfiles(2)
	if err != nil {
		t.Fatalf("ListProfiles: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("got %d profiles, want 2", len(got))
	}
	if got[0].ID != "p2" || got[1].ID != "p1" {
		t.Errorf("order = [%s %s], want [p2 p1]", got[0].ID, got[1].ID)
	}
}

func TestUpdateProfile(t *testing.T) {
	s := openTestStore(t)

	p := testProfile("p1", "writing-coach")
	if err := s.CreateProfile(p); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}

	p.Identity = "You are a ruthless line editor."
	p.Status = persona.StatusPublished
	if err := s.UpdateProfile(p); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}

	got, err := s.GetProfile("p1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.Identity != p.Identity {
		t.Errorf("Identity = %q, want %q", got.Identity, p.Identity)
	}
	if got.Status != persona.StatusPublished {
		t.Errorf("Status = %q, want %q", got.Status, persona.StatusPublished)
	}

	missing := testProfile("ghost", "ghost")
	if err := s.UpdateProfile(missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: error = %v, want ErrNotFound", err)
	}
}

func TestIncrementUsage(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateProfile(testProfile("p1", "writing-coach")); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}

	if err := s.IncrementUsage("p1"); err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}
	if err := s.IncrementUsage("p1"); err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}

	got, err := s.GetProfile("p1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.TimesUsed != 2 {
		t.Errorf("TimesUsed = %d, want 2", got.TimesUsed)
	}

	if err := s.IncrementUsage("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

// TestAddRatingRunningAverage folds two ratings in and checks the average.
func TestAddRatingRunningAverage(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateProfile(testProfile("p1", "writing-coach")); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}

	if err := s.AddRating("p1", 4); err != nil {
		t.Fatalf("AddRating(4): %v", err)
	}
	if err := s.AddRating("p1", 2); err != nil {
		t.Fatalf("AddRating(2): %v", err)
	}

	got, err := s.GetProfile("p1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.RatingCount != 2 {
		t.Errorf("RatingCount = %d, want 2", got.RatingCount)
	}
	if got.AvgRating != 3 {
		t.Errorf("AvgRating = %v, want 3", got.AvgRating)
	}
}

func TestSectionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateProfile(testProfile("p1", "writing-coach")); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}

	want := testSection("s1", "p1", "tone", 0)
	want.DependsOn = []string{"brevity"}
	want.Excludes = []string{"formal"}
	want.Mandatory = true
	if err := s.CreateSection(want); err != nil {
		t.Fatalf("CreateSection: %v", err)
	}

	got, err := s.GetSection("s1")
	if err != nil {
		t.Fatalf("GetSection: %v", err)
	}
	if got.Name != "tone" {
		t.Errorf("Name = %q, want %q", got.Name, "tone")
	}
	if got.Weight != 5 {
		t.Errorf("Weight = %v, want 5", got.Weight)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "brevity" {
		t.Errorf("DependsOn = %v, want [brevity]", got.DependsOn)
	}
	if len(got.Excludes) != 1 || got.Excludes[0] != "formal" {
		t.Errorf("Excludes = %v, want [formal]", got.Excludes)
	}
	if !got.Mandatory || !got.Active {
		t.Errorf("Mandatory = %v, Active = %v, want both true", got.Mandatory, got.Active)
	}
}

// TestSectionNameUniquePerProfile: two sections with the same name under
// one profile fail, under different profiles succeed.
func TestSectionNameUniquePerProfile(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateProfile(testProfile("p1", "coach-1")); err != nil {
		t.Fatalf("CreateProfile p1: %v", err)
	}
	if err := s.CreateProfile(testProfile("p2", "coach-2")); err != nil {
		t.Fatalf("CreateProfile p2: %v", err)
	}

	if err := s.CreateSection(testSection("s1", "p1", "tone", 0)); err != nil {
		t.Fatalf("CreateSection s1: %v", err)
	}
	if err := s.CreateSection(testSection("s2", "p1", "tone", 1)); err == nil {
		t.Error("expected duplicate section name to fail")
	}
	if err := s.CreateSection(testSection("s3", "p2", "tone", 0)); err != nil {
		t.Errorf("same name under other profile: %v", err)
	}
}

func TestUpdateSection(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateProfile(testProfile("p1", "writing-coach")); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	sec := testSection("s1", "p1", "tone", 0)
	if err := s.CreateSection(sec); err != nil {
		t.Fatalf("CreateSection: %v", err)
	}

	sec.Weight = 9
	sec.Active = false
	if err := s.UpdateSection(sec); err != nil {
		t.Fatalf("UpdateSection: %v", err)
	}

	got, err := s.GetSection("s1")
	if err != nil {
		t.Fatalf("GetSection: %v", err)
	}
	if got.Weight != 9 {
		t.Errorf("Weight = %v, want 9", got.Weight)
	}
	if got.Active {
		t.Error("Active should be false after update")
	}

	sec.ID = "missing"
	if err := s.UpdateSection(sec); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: error = %v, want ErrNotFound", err)
	}
}

func TestDeleteSection(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateProfile(testProfile("p1", "writing-coach")); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	if err := s.CreateSection(testSection("s1", "p1", "tone", 0)); err != nil {
		t.Fatalf("CreateSection: %v", err)
	}

	if err := s.DeleteSection("s1"); err != nil {
		t.Fatalf("DeleteSection: %v", err)
	}
	if _, err := s.GetSection("s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSection after delete: error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteSection("s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: error = %v, want ErrNotFound", err)
	}
}

func TestCountSections(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateProfile(testProfile("p1", "writing-coach")); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	if err := s.CreateProfile(testProfile("p2", "editor")); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	for i, sec := range []persona.Section{
		testSection("s1", "p1", "tone", 0),
		testSection("s2", "p1", "format", 1),
		testSection("s3", "p2", "tone", 0),
	} {
		if err := s.CreateSection(sec); err != nil {
			t.Fatalf("CreateSection %d: %v", i, err)
		}
	}

	n, err := s.CountSections("p1")
	if err != nil {
		t.Fatalf("CountSections: %v", err)
	}
	if n != 2 {
		t.Errorf("p1 count = %d, want 2", n)
	}
	n, err = s.CountSections("missing")
	if err != nil {
		t.Fatalf("CountSections: %v", err)
	}
	if n != 0 {
		t.Errorf("missing profile count = %d, want 0", n)
	}
}

func TestSaveAndGetExecution(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateProfile(testProfile("p1", "writing-coach")); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}

	want := Execution{
		ID:               "e1",
		ProfileID:        "p1",
		TraceID:          "trace-1",
		Request:          "tighten this paragraph",
		Prompt:           "You are a writing coach.\n\ntighten this paragraph",
		Response:         "Here is a tighter version.",
		Model:            "anthropic/claude-opus-4",
		FinishReason:     "completed",
		PromptTokens:     12,
		CompletionTokens: 8,
		TotalTokens:      20,
		Attempts:         1,
		LatencyMs:        840,
		CreatedAt:        time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := s.SaveExecution(want); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}

	got, err := s.GetExecution("e1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Response != want.Response {
		t.Errorf("Response = %q, want %q", got.Response, want.Response)
	}
	if got.TotalTokens != 20 {
		t.Errorf("TotalTokens = %d, want 20", got.TotalTokens)
	}
	if got.Status != "succeeded" {
		t.Errorf("Status = %q, want %q (default)", got.Status, "succeeded")
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}

	if _, err := s.GetExecution("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSaveExecutionFailure(t *testing.T) {
	s := openTestStore(t)

	e := Execution{
		ID:        "e-fail",
		ProfileID: "p1",
		Status:    "failed",
		Error:     "provider unavailable after 3 attempts",
		Attempts:  3,
	}
	if err := s.SaveExecution(e); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}

	got, err := s.GetExecution("e-fail")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != "failed" {
		t.Errorf("Status = %q, want %q", got.Status, "failed")
	}
	if got.Error != e.Error {
		t.Errorf("Error = %q, want %q", got.Error, e.Error)
	}
}

func TestListExecutionsFilterAndLimit(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	execs := []Execution{
		{ID: "e1", ProfileID: "p1", CreatedAt: base},
		{ID: "e2", ProfileID: "p2", CreatedAt: base.Add(time.Minute)},
		{ID: "e3", ProfileID: "p1", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, e := range execs {
		if err := s.SaveExecution(e); err != nil {
			t.Fatalf("SaveExecution %s: %v", e.ID, err)
		}
	}

	all, err := s.ListExecutions("", 10)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d executions, want 3", len(all))
	}
	if all[0].ID != "e3" {
		t.Errorf("first = %q, want e3 (newest first)", all[0].ID)
	}

	forP1, err := s.ListExecutions("p1", 10)
	if err != nil {
		t.Fatalf("ListExecutions(p1): %v", err)
	}
	if len(forP1) != 2 {
		t.Fatalf("got %d executions for p1, want 2", len(forP1))
	}
	for _, e := range forP1 {
		if e.ProfileID != "p1" {
			t.Errorf("execution %s has ProfileID %q, want p1", e.ID, e.ProfileID)
		}
	}

	limited, err := s.ListExecutions("", 1)
	if err != nil {
		t.Fatalf("ListExecutions limit: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "e3" {
		t.Errorf("limited = %v, want just e3", limited)
	}
}
