package packager

import (
	"strings"
	"testing"
	"unicode/utf8"

	"draftline/internal/domain"
)

func fixture() (domain.PlanVersion, domain.Diff, domain.VerifyResult) {
	pv := domain.PlanVersion{
		Version:  3,
		PlanHash: "0123456789abcdef" + strings.Repeat("0", 48),
		Body: domain.PlanBody{
			Summary:    "Add health endpoint",
			HappyPaths: []string{"GET /healthz returns 200"},
			EdgeCases:  []string{"database down"},
			Rollback:   []string{"revert the commit"},
		},
	}
	diff := domain.Diff{
		Files: []domain.FileChange{
			{Path: "src/health.go", Change: domain.ChangeAdded, Added: 20},
			{Path: "src/app.go", Change: domain.ChangeModified, Added: 3, Deleted: 1},
		},
		LOCDelta: 22,
	}
	vr := domain.VerifyResult{Passed: true, Summary: "Tests: PASSED"}
	return pv, diff, vr
}

func TestPackage(t *testing.T) {
	pv, diff, vr := fixture()
	md := Package(pv, diff, vr, Options{StoryKey: "PROJ-7"})
	if md.Title != "[PROJ-7] Implement: Add health endpoint" {
		t.Fatalf("unexpected title %q", md.Title)
	}
	if strings.Join(md.Labels, ",") != "draft,automated" {
		t.Fatalf("unexpected labels %v", md.Labels)
	}
	if strings.Join(md.Files, ",") != "src/app.go,src/health.go" {
		t.Fatalf("files not sorted: %v", md.Files)
	}
	if md.Stats != (domain.PublishStats{FilesChanged: 2, Added: 23, Deleted: 1, LOCDelta: 22}) {
		t.Fatalf("unexpected stats %+v", md.Stats)
	}
	for _, want := range []string{
		"## Summary\n\nAdd health endpoint",
		"- `src/health.go` (added, +20/-0)",
		"## Verification Results\n\nTests: PASSED",
		"## Happy Paths\n\n- GET /healthz returns 200",
		"## Edge Cases Handled\n\n- database down",
		"## Rollback\n\n- revert the commit",
		"Plan v3 (`01234567`)",
	} {
		if !strings.Contains(md.Description, want) {
			t.Fatalf("description missing %q:\n%s", want, md.Description)
		}
	}
	again := Package(pv, diff, vr, Options{StoryKey: "PROJ-7"})
	if again.Description != md.Description || again.Title != md.Title {
		t.Fatalf("package is not deterministic")
	}
}

func TestTitleTruncates(t *testing.T) {
	title := Title("", strings.Repeat("word ", 40))
	if utf8.RuneCountInString(title) > MaxTitleLength || !strings.HasSuffix(title, "...") {
		t.Fatalf("bad title %q", title)
	}
	if got := Title("", "  spaced   out  "); got != "Implement: spaced out" {
		t.Fatalf("whitespace not collapsed: %q", got)
	}
}
