// Package pathglob matches slash-separated paths against shell globs with "**"
// support.
package pathglob

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

var (
	globMu    sync.Mutex
	globCache = map[string][]glob.Glob{}
)

// Match reports whether p matches the shell glob pattern. "*" and "?" stay
// within one path segment, "**" crosses segments and "**/" also matches no
// directory at all. A pattern ending in "/" matches everything below it.
// Patterns that do not compile match nothing.
func Match(pattern, p string) bool {
	globs, err := compile(pattern)
	if err != nil {
		return false
	}
	for _, g := range globs {
		if g.Match(p) {
			return true
		}
	}
	return false
}

// MatchAny also tries each pattern anchored at any depth ("**/"+pattern).
func MatchAny(patterns []string, p string) (string, bool) {
	for _, pat := range patterns {
		if Match(pat, p) || (!strings.HasPrefix(pat, "**/") && !strings.HasPrefix(pat, "/") && Match("**/"+pat, p)) {
			return pat, true
		}
	}
	return "", false
}

// Validate reports whether pattern compiles.
func Validate(pattern string) error {
	_, err := compile(pattern)
	return err
}

func normalize(pattern string) string {
	pattern = strings.TrimPrefix(strings.TrimSpace(pattern), "./")
	if strings.HasSuffix(pattern, "/") {
		pattern += "**"
	}
	return pattern
}

func compile(pattern string) ([]glob.Glob, error) {
	pattern = normalize(pattern)
	if pattern == "" {
		return nil, fmt.Errorf("empty path pattern")
	}
	globMu.Lock()
	defer globMu.Unlock()
	if globs, ok := globCache[pattern]; ok {
		return globs, nil
	}
	var globs []glob.Glob
	for _, variant := range expandDoubleStar(pattern) {
		g, err := compileOne(variant)
		if err != nil {
			return nil, fmt.Errorf("path pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	globCache[pattern] = globs
	return globs, nil
}

func compileOne(pattern string) (g glob.Glob, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return glob.Compile(pattern, '/')
}

// expandDoubleStar returns pattern plus every variant with some "**/"
// segments removed, since "**/" may match zero directories.
func expandDoubleStar(pattern string) []string {
	out := []string{pattern}
	idx := strings.Index(pattern, "**/")
	if idx < 0 || (idx > 0 && pattern[idx-1] != '/') {
		return out
	}
	head, tail := pattern[:idx+3], pattern[idx+3:]
	for _, rest := range expandDoubleStar(tail) {
		if rest != tail {
			out = append(out, head+rest)
		}
		out = append(out, pattern[:idx]+rest)
	}
	return out
}
