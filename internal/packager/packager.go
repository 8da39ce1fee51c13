// Package packager turns an applied and verified plan into change-request
// metadata.
package packager

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"draftline/internal/domain"
)

const MaxTitleLength = 72

// DefaultLabels are attached when no labels are configured.
var DefaultLabels = []string{"draft", "automated"}

type Options struct {
	StoryKey string
	Labels   []string
}

// Package is deterministic: equal inputs give byte-equal metadata.
func Package(pv domain.PlanVersion, diff domain.Diff, vr domain.VerifyResult, opts Options) domain.PublishMetadata {
	labels := opts.Labels
	if len(labels) == 0 {
		labels = DefaultLabels
	}
	labels = append([]string(nil), labels...)

	files := diff.Paths()
	sort.Strings(files)
	stats := domain.PublishStats{FilesChanged: len(diff.Files), LOCDelta: diff.LOCDelta}
	for _, f := range diff.Files {
		stats.Added += f.Added
		stats.Deleted += f.Deleted
	}
	return domain.PublishMetadata{
		Title:       Title(opts.StoryKey, pv.Body.Summary),
		Description: describe(pv, diff, vr, stats),
		Labels:      labels,
		Files:       files,
		Stats:       stats,
		PlanVersion: pv.Version,
		PlanHash:    pv.PlanHash,
	}
}

// Title builds "[KEY] Implement: summary" cut to MaxTitleLength runes.
func Title(storyKey, summary string) string {
	summary = strings.Join(strings.Fields(summary), " ")
	title := "Implement: " + summary
	if storyKey = strings.TrimSpace(storyKey); storyKey != "" {
		title = "[" + storyKey + "] " + title
	}
	if utf8.RuneCountInString(title) <= MaxTitleLength {
		return title
	}
	runes := []rune(title)
	return strings.TrimRight(string(runes[:MaxTitleLength-3]), " ") + "..."
}

func describe(pv domain.PlanVersion, diff domain.Diff, vr domain.VerifyResult, stats domain.PublishStats) string {
	var b strings.Builder
	body := pv.Body
	fmt.Fprintf(&b, "## Summary\n\n%s\n\n", body.Summary)

	b.WriteString("## Files Modified\n\n")
	if len(diff.Files) == 0 {
		b.WriteString("No file changes.\n")
	}
	for _, f := range diff.Files {
		fmt.Fprintf(&b, "- `%s` (%s, +%d/-%d)\n", f.Path, f.Change, f.Added, f.Deleted)
	}
	fmt.Fprintf(&b, "\n%d files changed, %d insertions(+), %d deletions(-)\n\n", stats.FilesChanged, stats.Added, stats.Deleted)

	b.WriteString("## Verification Results\n\n")
	if vr.Summary != "" {
		b.WriteString(vr.Summary + "\n\n")
	} else {
		b.WriteString("N/A\n\n")
	}

	section(&b, "Happy Paths", body.HappyPaths)
	section(&b, "Edge Cases Handled", body.EdgeCases)
	section(&b, "Rollback", body.Rollback)
	if len(diff.Warnings) > 0 {
		section(&b, "Warnings", diff.Warnings)
	}

	fmt.Fprintf(&b, "---\nPlan v%d (`%s`)\n", pv.Version, domain.ShortHash(pv.PlanHash))
	return b.String()
}

func section(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
	b.WriteString("\n")
}
