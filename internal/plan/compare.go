package plan

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"draftline/internal/domain"
)

// Sections lists plan sections in display order.
var Sections = []string{
	"summary", "scope", "happy_paths", "edge_cases", "failure_modes",
	"assumptions", "unknowns", "tests", "rollback", "cross_repo_impacts",
}

// SectionChange describes one modified section.
type SectionChange struct {
	From         json.RawMessage `json:"from"`
	To           json.RawMessage `json:"to"`
	AddedItems   []string        `json:"added_items,omitempty"`
	RemovedItems []string        `json:"removed_items,omitempty"`
}

// Comparison is a structural diff between two plan versions.
type Comparison struct {
	FromVersion     int                      `json:"from_version"`
	ToVersion       int                      `json:"to_version"`
	FromHash        string                   `json:"from_hash"`
	ToHash          string                   `json:"to_hash"`
	Added           []string                 `json:"added"`
	Removed         []string                 `json:"removed"`
	Modified        map[string]SectionChange `json:"modified"`
	ChangedSections []string                 `json:"changed_sections"`
	Summary         string                   `json:"summary"`
}

// sectionItems renders each section as comparable item strings.
func sectionItems(b domain.PlanBody) map[string][]string {
	items := map[string][]string{
		"summary":     nonEmpty(b.Summary),
		"happy_paths": b.HappyPaths,
		"edge_cases":  b.EdgeCases,
		"assumptions": b.Assumptions,
		"unknowns":    b.Unknowns,
		"rollback":    b.Rollback,
	}
	for _, f := range b.Scope.Files {
		items["scope"] = append(items["scope"], fmt.Sprintf("%s (%s)", f.Path, f.Change))
	}
	for _, f := range b.FailureModes {
		items["failure_modes"] = append(items["failure_modes"], fmt.Sprintf("%s: %s / %s", f.Trigger, f.Impact, f.Mitigation))
	}
	for _, t := range b.Tests {
		items["tests"] = append(items["tests"], t.Type+": "+t.Target)
	}
	for _, c := range b.CrossRepoImpacts {
		items["cross_repo_impacts"] = append(items["cross_repo_impacts"], c.Repo+": "+c.Reason)
	}
	return items
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

func sectionJSON(b domain.PlanBody) map[string]json.RawMessage {
	raw, _ := json.Marshal(b)
	var m map[string]json.RawMessage
	_ = json.Unmarshal(raw, &m)
	return m
}

// Compare diffs two versions section by section. A section going from empty to
// non-empty is added, the reverse is removed, anything else that differs is
// modified.
func Compare(from, to domain.PlanVersion) Comparison {
	a, b := Normalize(from.Body), Normalize(to.Body)
	itemsA, itemsB := sectionItems(a), sectionItems(b)
	jsonA, jsonB := sectionJSON(a), sectionJSON(b)
	c := Comparison{
		FromVersion: from.Version,
		ToVersion:   to.Version,
		FromHash:    from.PlanHash,
		ToHash:      to.PlanHash,
		Added:       []string{},
		Removed:     []string{},
		Modified:    map[string]SectionChange{},
	}
	for _, s := range Sections {
		ia, ib := itemsA[s], itemsB[s]
		if equalStrings(ia, ib) {
			continue
		}
		switch {
		case len(ia) == 0:
			c.Added = append(c.Added, s)
		case len(ib) == 0:
			c.Removed = append(c.Removed, s)
		default:
			added, removed := setDiff(ia, ib)
			c.Modified[s] = SectionChange{From: jsonA[s], To: jsonB[s], AddedItems: added, RemovedItems: removed}
		}
		c.ChangedSections = append(c.ChangedSections, s)
	}
	sort.Strings(c.ChangedSections)
	if c.ChangedSections == nil {
		c.ChangedSections = []string{}
	}
	c.Summary = summarize(c, a, b)
	return c
}

func summarize(c Comparison, a, b domain.PlanBody) string {
	if len(c.ChangedSections) == 0 {
		return fmt.Sprintf("Plan v%d and v%d are identical.", c.FromVersion, c.ToVersion)
	}
	parts := []string{fmt.Sprintf("Plan updated from v%d to v%d.", c.FromVersion, c.ToVersion)}
	if len(c.Added) > 0 {
		parts = append(parts, fmt.Sprintf("Added sections: %s.", strings.Join(c.Added, ", ")))
	}
	if len(c.Removed) > 0 {
		parts = append(parts, fmt.Sprintf("Removed sections: %s.", strings.Join(c.Removed, ", ")))
	}
	if len(c.Modified) > 0 {
		var mod []string
		for _, s := range Sections {
			if _, ok := c.Modified[s]; ok {
				mod = append(mod, s)
			}
		}
		parts = append(parts, fmt.Sprintf("Modified sections: %s.", strings.Join(mod, ", ")))
	}
	if n, m := len(a.Scope.Files), len(b.Scope.Files); n != m {
		parts = append(parts, fmt.Sprintf("File count changed: %d → %d files.", n, m))
	}
	if n, m := len(a.Tests), len(b.Tests); n != m {
		parts = append(parts, fmt.Sprintf("Test count changed: %d → %d tests.", n, m))
	}
	if n, m := len(a.EdgeCases), len(b.EdgeCases); n != m {
		parts = append(parts, fmt.Sprintf("Edge cases changed: %d → %d cases.", n, m))
	}
	return strings.Join(parts, " ")
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// setDiff returns items only in b (added) and only in a (removed), in order.
func setDiff(a, b []string) (added, removed []string) {
	inA := make(map[string]bool, len(a))
	for _, s := range a {
		inA[s] = true
	}
	inB := make(map[string]bool, len(b))
	for _, s := range b {
		inB[s] = true
		if !inA[s] {
			added = append(added, s)
		}
	}
	for _, s := range a {
		if !inB[s] {
			removed = append(removed, s)
		}
	}
	return added, removed
}
