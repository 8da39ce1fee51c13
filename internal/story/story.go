// Package story resolves story keys into the work item a job implements.
package story

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"draftline/internal/domain"
)

// Source fetches a story by key. Implementations are read-only.
type Source interface {
	Fetch(ctx context.Context, key string) (domain.Story, error)
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// ValidKey reports whether key is usable as a story identifier and file name.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key) && !strings.Contains(key, "..")
}

// FileSource reads stories from <Dir>/<KEY>.yml (or .yaml).
type FileSource struct {
	Dir string
}

type storyFile struct {
	Summary     string `yaml:"summary"`
	Description string `yaml:"description"`
}

func (s FileSource) Fetch(ctx context.Context, key string) (domain.Story, error) {
	if !ValidKey(key) {
		return domain.Story{}, domain.Invalid("story_key", "invalid story key %q", key)
	}
	for _, ext := range []string{".yml", ".yaml"} {
		data, err := os.ReadFile(filepath.Join(s.Dir, key+ext))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return domain.Story{}, err
		}
		var f storyFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return domain.Story{}, fmt.Errorf("parse story %s: %w", key, err)
		}
		if strings.TrimSpace(f.Summary) == "" {
			return domain.Story{}, domain.Invalid("summary", "story %s has no summary", key)
		}
		return domain.Story{Key: key, Summary: strings.TrimSpace(f.Summary), Description: strings.TrimSpace(f.Description)}, nil
	}
	return domain.Story{}, fmt.Errorf("story %s: %w", key, domain.ErrNotFound)
}

// StaticSource serves stories from memory.
type StaticSource map[string]domain.Story

func (s StaticSource) Fetch(_ context.Context, key string) (domain.Story, error) {
	st, ok := s[key]
	if !ok {
		return domain.Story{}, fmt.Errorf("story %s: %w", key, domain.ErrNotFound)
	}
	st.Key = key
	return st, nil
}

// Chain tries each source in order and returns the first story found.
type Chain []Source

func (c Chain) Fetch(ctx context.Context, key string) (domain.Story, error) {
	var lastErr error = fmt.Errorf("story %s: %w", key, domain.ErrNotFound)
	for _, src := range c {
		st, err := src.Fetch(ctx, key)
		if err == nil {
			return st, nil
		}
		lastErr = err
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Story{}, err
		}
	}
	return domain.Story{}, lastErr
}
