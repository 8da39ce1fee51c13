package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"

	"draftline/internal/logging"
)

const DefaultGitHubAPI = "https://api.github.com"

// GitHubHost opens draft pull requests through the GitHub REST API.
type GitHubHost struct {
	BaseURL string
	Client  *http.Client
	Log     *slog.Logger
}

// NewGitHubHost authenticates every request with token.
func NewGitHubHost(ctx context.Context, baseURL, token string) GitHubHost {
	if baseURL == "" {
		baseURL = DefaultGitHubAPI
	}
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	return GitHubHost{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

type githubPull struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

// APIError is a non-2xx response from the host.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api returned %d: %s", e.Status, e.Message)
}

func (h GitHubHost) CreateDraftChange(ctx context.Context, req ChangeRequest) (Change, error) {
	if req.Owner == "" || req.Repo == "" {
		return Change{}, errors.New("repository owner/name unknown; cannot open pull request")
	}
	var pull githubPull
	err := h.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/pulls", req.Owner, req.Repo), map[string]any{
		"title": req.Title,
		"body":  req.Body,
		"head":  req.Head,
		"base":  req.Base,
		"draft": true,
	}, &pull)
	if err != nil {
		return Change{}, err
	}
	change := Change{ID: strconv.Itoa(pull.Number), URL: pull.HTMLURL}
	if len(req.Labels) > 0 {
		path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels", req.Owner, req.Repo, pull.Number)
		if err := h.do(ctx, http.MethodPost, path, map[string]any{"labels": req.Labels}, nil); err != nil {
			logging.OrDefault(h.Log).Warn("add labels to pull request", "number", pull.Number, "error", err)
		}
	}
	return change, nil
}

func (h GitHubHost) do(ctx context.Context, method, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	base := h.BaseURL
	if base == "" {
		base = DefaultGitHubAPI
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.github+json")
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &msg)
		if msg.Message == "" {
			msg.Message = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: msg.Message}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
