// Package policy decides whether a plan is low-risk enough to be approved
// without a human.
package policy

import (
	"fmt"
	"strings"

	"draftline/internal/config"
	"draftline/internal/domain"
	"draftline/internal/pathglob"
)

// Policy is the auto-approval ruleset.
type Policy struct {
	MaxFiles       int      `json:"max_files"`
	MaxLOCDelta    int      `json:"max_loc_delta"`
	AllowPaths     []string `json:"allow_paths,omitempty"`
	DenyPaths      []string `json:"deny_paths,omitempty"`
	ProtectedPaths []string `json:"protected_paths,omitempty"`
	RequireTests   bool     `json:"require_tests"`
}

// FromConfig copies the policy section of the config.
func FromConfig(c config.PolicyConfig) Policy {
	return Policy{
		MaxFiles:       c.MaxFiles,
		MaxLOCDelta:    c.MaxLOCDelta,
		AllowPaths:     c.AllowPaths,
		DenyPaths:      c.DenyPaths,
		ProtectedPaths: c.ProtectedPaths,
		RequireTests:   c.RequireTests,
	}
}

// Result is stored as the policy_evaluation artifact.
type Result struct {
	Compliant      bool     `json:"compliant"`
	Reasons        []string `json:"reasons"`
	FileCount      int      `json:"file_count"`
	EstimatedLOC   int      `json:"estimated_loc_delta"`
	DeniedFiles    []string `json:"denied_files,omitempty"`
	ProtectedFiles []string `json:"protected_files,omitempty"`
	OutsideAllow   []string `json:"outside_allow_paths,omitempty"`
	PlanVersion    int      `json:"plan_version"`
	PlanHash       string   `json:"plan_hash"`
	Policy         Policy   `json:"policy"`
}

// LOC estimate per change kind; actual deltas are only known after apply.
var locEstimate = map[domain.ChangeKind]int{
	domain.ChangeAdded:    50,
	domain.ChangeModified: 30,
	domain.ChangeDeleted:  -20,
	domain.ChangeRenamed:  5,
}

// EstimateLOC sums the per-kind estimate over the plan scope.
func EstimateLOC(files []domain.ScopeFile) int {
	total := 0
	for _, f := range files {
		est, ok := locEstimate[f.Change]
		if !ok {
			est = locEstimate[domain.ChangeModified]
		}
		total += est
	}
	return total
}

// Evaluate checks pv against p. It has no side effects.
func Evaluate(pv domain.PlanVersion, p Policy) Result {
	body := pv.Body
	res := Result{
		Reasons:     []string{},
		FileCount:   len(body.Scope.Files),
		PlanVersion: pv.Version,
		PlanHash:    pv.PlanHash,
		Policy:      p,
	}
	if p.MaxFiles > 0 && res.FileCount > p.MaxFiles {
		res.Reasons = append(res.Reasons, fmt.Sprintf("too many files: %d > %d", res.FileCount, p.MaxFiles))
	}
	res.EstimatedLOC = EstimateLOC(body.Scope.Files)
	if p.MaxLOCDelta > 0 && abs(res.EstimatedLOC) > p.MaxLOCDelta {
		res.Reasons = append(res.Reasons, fmt.Sprintf("estimated line delta too large: %d > %d", abs(res.EstimatedLOC), p.MaxLOCDelta))
	}
	for _, path := range body.Paths() {
		if len(p.AllowPaths) > 0 {
			if _, ok := pathglob.MatchAny(p.AllowPaths, path); !ok {
				res.OutsideAllow = append(res.OutsideAllow, path)
			}
		}
		if _, ok := pathglob.MatchAny(p.DenyPaths, path); ok {
			res.DeniedFiles = append(res.DeniedFiles, path)
		}
		if _, ok := pathglob.MatchAny(p.ProtectedPaths, path); ok {
			res.ProtectedFiles = append(res.ProtectedFiles, path)
		}
	}
	if len(res.OutsideAllow) > 0 {
		res.Reasons = append(res.Reasons, "files outside allowed paths: "+strings.Join(res.OutsideAllow, ", "))
	}
	if len(res.DeniedFiles) > 0 {
		res.Reasons = append(res.Reasons, "files match denied paths: "+strings.Join(res.DeniedFiles, ", "))
	}
	if len(res.ProtectedFiles) > 0 {
		res.Reasons = append(res.Reasons, "protected paths require human approval: "+strings.Join(res.ProtectedFiles, ", "))
	}
	if p.RequireTests && len(body.Tests) == 0 {
		res.Reasons = append(res.Reasons, "tests are required but none specified")
	}
	if len(body.EdgeCases) == 0 {
		res.Reasons = append(res.Reasons, "no edge cases specified")
	}
	if len(body.FailureModes) == 0 {
		res.Reasons = append(res.Reasons, "no failure modes identified")
	}
	res.Compliant = len(res.Reasons) == 0
	return res
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
