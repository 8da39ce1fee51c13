package main

import (
	"testing"

	"draftline/internal/domain"
)

func TestParseRepo(t *testing.T) {
	cases := []struct {
		in   string
		want domain.RepoRef
		err  bool
	}{
		{in: "https://github.com/acme/api.git", want: domain.RepoRef{URL: "https://github.com/acme/api.git"}},
		{in: "git@github.com:acme/api.git#release/1.2", want: domain.RepoRef{URL: "git@github.com:acme/api.git", Ref: "release/1.2"}},
		{in: " ./local#main ", want: domain.RepoRef{URL: "./local", Ref: "main"}},
		{in: "", err: true},
		{in: "#main", err: true},
	}
	for _, tc := range cases {
		got, err := parseRepo(tc.in)
		if tc.err {
			if err == nil {
				t.Fatalf("parseRepo(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseRepo(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parseRepo(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestDraftURL(t *testing.T) {
	live := domain.Job{Result: map[string]any{"publish_result": domain.PublishResult{URL: "https://example.test/pr/1"}}}
	if got := draftURL(live); got != "https://example.test/pr/1" {
		t.Fatalf("live result: %q", got)
	}
	loaded := domain.Job{Result: map[string]any{"publish_result": map[string]any{"pr_url": "https://example.test/pr/2"}}}
	if got := draftURL(loaded); got != "https://example.test/pr/2" {
		t.Fatalf("loaded result: %q", got)
	}
	if got := draftURL(domain.Job{}); got != "" {
		t.Fatalf("empty job: %q", got)
	}
}

func TestShort(t *testing.T) {
	if got := short("0123456789"); got != "01234567" {
		t.Fatalf("short = %q", got)
	}
	if got := short("abc"); got != "abc" {
		t.Fatalf("short = %q", got)
	}
}
