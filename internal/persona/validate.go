package persona

import (
	"fmt"
	"regexp"
	"strings"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Validate checks a profile's own fields (not its sections).
func (p Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("profile name is required")
	}
	if !slugPattern.MatchString(p.Slug) {
		return fmt.Errorf("profile slug %q must be url-safe (lowercase letters, digits, hyphens)", p.Slug)
	}
	switch p.Status {
	case "", StatusDraft, StatusPublished, StatusDeprecated:
	default:
		return fmt.Errorf("unknown profile status %q", p.Status)
	}
	switch p.Visibility {
	case "", VisibilityPrivate, VisibilityShared, VisibilityPublic:
	default:
		return fmt.Errorf("unknown profile visibility %q", p.Visibility)
	}
	if p.BaseParams.Temperature != nil && (*p.BaseParams.Temperature < 0 || *p.BaseParams.Temperature > 2) {
		return fmt.Errorf("temperature %v out of range [0, 2]", *p.BaseParams.Temperature)
	}
	if p.BaseParams.MaxTokens != nil && *p.BaseParams.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive")
	}
	return nil
}

// Validate checks the structural integrity the pipeline assumes: a
// non-negative weight, no self-references, and no section that is both a
// dependency and an exclusion.
func (s Section) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("section name is required")
	}
	if s.Weight < 0 {
		return fmt.Errorf("section %q has negative weight %v", s.Name, s.Weight)
	}
	for _, dep := range s.DependsOn {
		if dep == s.Name {
			return fmt.Errorf("section %q depends on itself", s.Name)
		}
	}
	for _, excl := range s.Excludes {
		if excl == s.Name {
			return fmt.Errorf("section %q excludes itself", s.Name)
		}
		for _, dep := range s.DependsOn {
			if dep == excl {
				return fmt.Errorf("section %q both depends on and excludes section %q", s.Name, excl)
			}
		}
	}
	return nil
}
