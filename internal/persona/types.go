// Package persona defines the value types shared by the prompt pipeline:
// expertise profiles, their triggerable sections, and the per-request
// selection context. Instances are plain immutable inputs — the pipeline
// never mutates them and never reaches into shared state to find them.
package persona

import "time"

// Status is the publication state of a profile.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusPublished  Status = "published"
	StatusDeprecated Status = "deprecated"
)

// Visibility controls who can see a profile.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityShared  Visibility = "shared"
	VisibilityPublic  Visibility = "public"
)

// GenerationParams is the closed set of recognized generation knobs.
// Pointer fields distinguish "unset" from a deliberate zero so overrides
// can be merged without clobbering base values.
type GenerationParams struct {
	Temperature        *float64 `json:"temperature,omitempty"`
	MaxTokens          *int     `json:"max_tokens,omitempty"`
	TopP               *float64 `json:"top_p,omitempty"`
	ResponseFormat     string   `json:"response_format,omitempty"`
	CustomInstructions string   `json:"custom_instructions,omitempty"`
}

// Merge returns a copy of p with any set fields of override applied on top.
func (p GenerationParams) Merge(override GenerationParams) GenerationParams {
	out := p
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.MaxTokens != nil {
		out.MaxTokens = override.MaxTokens
	}
	if override.TopP != nil {
		out.TopP = override.TopP
	}
	if override.ResponseFormat != "" {
		out.ResponseFormat = override.ResponseFormat
	}
	if override.CustomInstructions != "" {
		out.CustomInstructions = override.CustomInstructions
	}
	return out
}

// Profile is a named expertise persona: fixed identity fragments plus a
// library of optional sections. Profiles form version lineages via ParentID;
// exactly one profile per lineage is the primary version.
type Profile struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Slug             string           `json:"slug"`
	Version          string           `json:"version"`
	Domain           string           `json:"domain"`
	Sectors          []string         `json:"sectors,omitempty"`
	Complexity       string           `json:"complexity,omitempty"`
	Tags             []string         `json:"tags,omitempty"`
	ShortDescription string           `json:"short_description,omitempty"`
	LongDescription  string           `json:"long_description,omitempty"`
	KeySkills        []string         `json:"key_skills,omitempty"`
	Tools            []string         `json:"tools,omitempty"`
	ExampleTasks     []string         `json:"example_tasks,omitempty"`
	Limitations      []string         `json:"limitations,omitempty"`
	Identity         string           `json:"identity"`
	Mission          string           `json:"mission"`
	Personality      string           `json:"personality"`
	BaseParams       GenerationParams `json:"base_params"`
	Status           Status           `json:"status"`
	Visibility       Visibility       `json:"visibility"`
	TimesUsed        int              `json:"times_used"`
	AvgRating        float64          `json:"avg_rating"`
	RatingCount      int              `json:"rating_count"`
	LineageID        string           `json:"lineage_id"`
	ParentID         string           `json:"parent_id,omitempty"`
	Primary          bool             `json:"primary"`
	CreatedBy        string           `json:"created_by,omitempty"`
	UpdatedBy        string           `json:"updated_by,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	DeletedAt        *time.Time       `json:"deleted_at,omitempty"`
	Sections         []Section        `json:"sections,omitempty"`
}

// ActiveSections returns the profile's active sections in declared order.
func (p Profile) ActiveSections() []Section {
	var out []Section
	for _, s := range p.Sections {
		if s.Active {
			out = append(out, s)
		}
	}
	return out
}

// SectionByName returns the named section and whether it exists.
// Dependency and exclusion lists refer to sections by name.
func (p Profile) SectionByName(name string) (Section, bool) {
	for _, s := range p.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// Section is a reusable, independently triggerable prompt fragment owned by
// exactly one profile.
type Section struct {
	ID        string    `json:"id"`
	ProfileID string    `json:"profile_id"`
	Name      string    `json:"name"`
	Type      string    `json:"type,omitempty"`
	Position  int       `json:"position"`
	Keywords  []string  `json:"keywords,omitempty"`
	Weight    float64   `json:"weight"`
	Template  string    `json:"template"`
	Example   string    `json:"example,omitempty"`
	DependsOn []string  `json:"depends_on,omitempty"`
	Excludes  []string  `json:"excludes,omitempty"`
	Mandatory bool      `json:"mandatory"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SelectionContext is the ephemeral input to one selection/assembly cycle.
type SelectionContext struct {
	// Request is the free-text user request sections are scored against.
	Request string `json:"request"`
	// Domain is the caller-declared domain of the request.
	Domain string `json:"domain,omitempty"`
	// Keywords are explicit hints scored alongside the request text.
	Keywords []string `json:"keywords,omitempty"`
	// History maps section names to how many times they were used earlier
	// in this conversation. The selector's history policy decides whether
	// repetition boosts or penalizes a section.
	History map[string]int `json:"history,omitempty"`
}
