package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"draftline/internal/domain"
)

// Unified renders a line diff of the indented JSON bodies of two versions.
func Unified(from, to domain.PlanVersion) string {
	a := bodyLines(from.Body)
	b := bodyLines(to.Body)
	var sb strings.Builder
	fmt.Fprintf(&sb, "--- plan v%d (%s)\n+++ plan v%d (%s)\n", from.Version, domain.ShortHash(from.PlanHash), to.Version, domain.ShortHash(to.PlanHash))
	for _, op := range lineDiff(a, b) {
		sb.WriteString(op)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func bodyLines(b domain.PlanBody) []string {
	data, err := json.MarshalIndent(Normalize(b), "", "  ")
	if err != nil {
		return nil
	}
	return strings.Split(string(data), "\n")
}

// lineDiff is a longest-common-subsequence diff; plan bodies are small.
func lineDiff(a, b []string) []string {
	n, m := len(a), len(b)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}
	var out []string
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			out = append(out, " "+a[i])
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			out = append(out, "-"+a[i])
			i++
		default:
			out = append(out, "+"+b[j])
			j++
		}
	}
	for ; i < n; i++ {
		out = append(out, "-"+a[i])
	}
	for ; j < m; j++ {
		out = append(out, "+"+b[j])
	}
	return out
}
