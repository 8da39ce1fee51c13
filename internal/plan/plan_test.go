package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"draftline/internal/domain"
	"draftline/internal/logging"
)

func sampleBody(files ...string) domain.PlanBody {
	b := domain.PlanBody{
		Summary:      "Add a health endpoint to the API",
		HappyPaths:   []string{"GET /healthz returns 200"},
		EdgeCases:    []string{"database down"},
		FailureModes: []domain.FailureMode{{Trigger: "db timeout", Impact: "503", Mitigation: "short timeout"}},
		Assumptions:  []string{"router exists"},
		Tests:        []domain.TestSpec{{Type: "unit", Target: "src/health_test.go"}},
		Rollback:     []string{"revert commit"},
	}
	for _, f := range files {
		b.Scope.Files = append(b.Scope.Files, domain.ScopeFile{Path: f, Change: domain.ChangeModified})
	}
	return b
}

type fakeEngine struct {
	generate domain.PlanBody
	revise   func(ReviseRequest) domain.PlanBody
	err      error
}

func (f fakeEngine) Generate(context.Context, GenerateRequest) (domain.PlanBody, error) {
	return f.generate, f.err
}

func (f fakeEngine) Revise(_ context.Context, req ReviseRequest) (domain.PlanBody, error) {
	if f.err != nil {
		return domain.PlanBody{}, f.err
	}
	return f.revise(req), nil
}

func newGenerator(e ContentEngine) Generator {
	return Generator{Engine: e, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }, Log: logging.Discard()}
}

func TestHashIsDeterministicAndCanonical(t *testing.T) {
	a := sampleBody("src/a.go")
	b := sampleBody("src/a.go")
	b.Unknowns = []string{}
	ha, err := Hash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, _ := Hash(b)
	if ha != hb || len(ha) != 64 {
		t.Fatalf("expected equal hashes for nil and empty slices: %s %s", ha, hb)
	}
	c := sampleBody("src/a.go")
	c.Summary += "!"
	if hc, _ := Hash(c); hc == ha {
		t.Fatalf("expected different hash")
	}
	canon, err := domain.CanonicalJSON(Normalize(a))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(canon), `{"assumptions":["router exists"],"cross_repo_impacts":[]`) {
		t.Fatalf("expected sorted compact keys, got %s", canon[:80])
	}
}

func TestGenerateProducesVersionOne(t *testing.T) {
	g := newGenerator(fakeEngine{generate: sampleBody("src/a.go", "./src/b.go")})
	pv, err := g.Generate(context.Background(), GenerateRequest{JobID: "job-1"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if pv.Version != 1 || pv.JobID != "job-1" || pv.PreviousVersionHash != "" || pv.CreatedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected version %+v", pv)
	}
	if got := pv.Body.Paths(); got[1] != "src/b.go" {
		t.Fatalf("expected cleaned path, got %v", got)
	}
	if err := Verify(pv); err != nil {
		t.Fatalf("verify: %v", err)
	}
	pv.Body.Summary = "tampered summary text"
	if err := Verify(pv); !errors.Is(err, domain.ErrArtifactStore) {
		t.Fatalf("expected tamper detection, got %v", err)
	}
}

func TestValidateRejectsEmptySections(t *testing.T) {
	cases := map[string]func(*domain.PlanBody){
		"happy_paths":   func(b *domain.PlanBody) { b.HappyPaths = nil },
		"edge_cases":    func(b *domain.PlanBody) { b.EdgeCases = []string{} },
		"failure_modes": func(b *domain.PlanBody) { b.FailureModes = nil },
		"assumptions":   func(b *domain.PlanBody) { b.Assumptions = nil },
		"tests":         func(b *domain.PlanBody) { b.Tests = nil },
		"scope.files":   func(b *domain.PlanBody) { b.Scope.Files = nil },
		"summary":       func(b *domain.PlanBody) { b.Summary = "short" },
	}
	for field, mutate := range cases {
		b := sampleBody("src/a.go")
		mutate(&b)
		err := Validate(Normalize(b))
		var ie *domain.InvalidInputError
		if !errors.As(err, &ie) || ie.Field != field {
			t.Fatalf("%s: expected field error, got %v", field, err)
		}
	}
	bad := sampleBody("../etc/passwd")
	if err := Validate(Normalize(bad)); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected path rejection, got %v", err)
	}
	dup := sampleBody("src/a.go", "src/./a.go")
	if err := Validate(Normalize(dup)); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
}

func TestReviseChainsVersions(t *testing.T) {
	g := newGenerator(fakeEngine{
		generate: sampleBody("src/a.go"),
		revise: func(req ReviseRequest) domain.PlanBody {
			b := req.Previous.Body
			b.Tests = append(b.Tests, domain.TestSpec{Type: "integration", Target: req.Feedback.Text})
			return b
		},
	})
	ctx := context.Background()
	v1, err := g.Generate(ctx, GenerateRequest{JobID: "job-1"})
	if err != nil {
		t.Fatal(err)
	}
	v2, err := g.Revise(ctx, ReviseRequest{JobID: "job-1", Previous: v1, Feedback: domain.PlanFeedback{Text: "add tests", ProvidedBy: "alice"}}, "")
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	if v2.Version != 2 || v2.PreviousVersionHash != v1.PlanHash || v2.PlanHash == v1.PlanHash {
		t.Fatalf("unexpected v2 %+v", v2)
	}
	if v2.Feedback == nil || v2.Feedback.Type != domain.FeedbackGeneral || v2.Feedback.ProvidedAt == "" {
		t.Fatalf("expected feedback recorded, got %+v", v2.Feedback)
	}
	if len(v1.Body.Tests) != 1 {
		t.Fatalf("v1 must not be mutated by revision")
	}
	_, err = g.Revise(ctx, ReviseRequest{JobID: "job-1", Previous: v2, Feedback: domain.PlanFeedback{Text: "more"}}, v2.PlanHash)
	if !errors.Is(err, domain.ErrRevisionNotAllowed) {
		t.Fatalf("expected revision refusal, got %v", err)
	}
	_, err = g.Revise(ctx, ReviseRequest{JobID: "job-1", Previous: v2, Feedback: domain.PlanFeedback{}}, "")
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected feedback validation, got %v", err)
	}
}

func TestEngineErrorsAreWrapped(t *testing.T) {
	g := newGenerator(fakeEngine{err: fmt.Errorf("boom")})
	if _, err := g.Generate(context.Background(), GenerateRequest{}); !errors.Is(err, ErrEngineFailed) {
		t.Fatalf("expected ErrEngineFailed, got %v", err)
	}
}

func TestCompare(t *testing.T) {
	from := domain.PlanVersion{Version: 1, Body: Normalize(sampleBody("src/a.go"))}
	toBody := sampleBody("src/a.go", "src/b.go")
	toBody.Unknowns = []string{"cache size"}
	toBody.Tests = append(toBody.Tests, domain.TestSpec{Type: "unit", Target: "src/b_test.go"})
	to := domain.PlanVersion{Version: 2, Body: Normalize(toBody)}
	c := Compare(from, to)
	if strings.Join(c.ChangedSections, ",") != "scope,tests,unknowns" {
		t.Fatalf("unexpected sections %v", c.ChangedSections)
	}
	if len(c.Added) != 1 || c.Added[0] != "unknowns" {
		t.Fatalf("expected unknowns added, got %v", c.Added)
	}
	if got := c.Modified["scope"].AddedItems; len(got) != 1 || got[0] != "src/b.go (modified)" {
		t.Fatalf("unexpected scope items %v", got)
	}
	want := "Plan updated from v1 to v2. Added sections: unknowns. Modified sections: scope, tests. File count changed: 1 → 2 files. Test count changed: 1 → 2 tests."
	if c.Summary != want {
		t.Fatalf("summary\n got: %s\nwant: %s", c.Summary, want)
	}
	same := Compare(from, from)
	if same.Summary != "Plan v1 and v1 are identical." || len(same.ChangedSections) != 0 {
		t.Fatalf("unexpected identical comparison %+v", same)
	}
	raw, err := json.Marshal(c)
	if err != nil || !strings.Contains(string(raw), `"changed_sections":["scope","tests","unknowns"]`) {
		t.Fatalf("unexpected json %s %v", raw, err)
	}
}

func TestUnified(t *testing.T) {
	from := domain.PlanVersion{Version: 1, Body: sampleBody("src/a.go")}
	toBody := sampleBody("src/a.go")
	toBody.Summary = "Add a health endpoint with metrics"
	to := domain.PlanVersion{Version: 2, Body: toBody}
	out := Unified(from, to)
	if !strings.Contains(out, `-  "summary": "Add a health endpoint to the API",`) ||
		!strings.Contains(out, `+  "summary": "Add a health endpoint with metrics",`) {
		t.Fatalf("unexpected diff:\n%s", out)
	}
}

func TestCrossRepoImpacts(t *testing.T) {
	b := sampleBody("src/a.go")
	b.Assumptions = []string{"the billing service exposes /invoices"}
	repos := []domain.RepoRef{{URL: "https://x/acme/api.git"}, {URL: "https://x/acme/billing.git"}, {URL: "https://x/acme/web.git"}}
	got := AddCrossRepoImpacts(Normalize(b), repos)
	if len(got.CrossRepoImpacts) != 1 || got.CrossRepoImpacts[0].Repo != "billing" {
		t.Fatalf("unexpected impacts %+v", got.CrossRepoImpacts)
	}
	again := AddCrossRepoImpacts(got, repos)
	if len(again.CrossRepoImpacts) != 1 {
		t.Fatalf("impact must not be duplicated")
	}
}

func TestCommandEngine(t *testing.T) {
	body, _ := json.Marshal(sampleBody("src/a.go"))
	e := CommandEngine{Command: "cat >/dev/null; printf '%s' '" + string(body) + "'", Timeout: 5 * time.Second}
	got, err := e.Generate(context.Background(), GenerateRequest{JobID: "job-1", RepoDir: t.TempDir()})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got.Summary != "Add a health endpoint to the API" {
		t.Fatalf("unexpected body %+v", got)
	}
	bad := CommandEngine{Command: "echo nope >&2; exit 2", Timeout: 5 * time.Second}
	if _, err := bad.Generate(context.Background(), GenerateRequest{RepoDir: t.TempDir()}); err == nil || !strings.Contains(err.Error(), "exited with code 2: nope") {
		t.Fatalf("unexpected error %v", err)
	}
	echo := CommandEngine{Command: `test "$DRAFTLINE_ACTION" = revise && echo '{"bogus":1}'`, Timeout: 5 * time.Second}
	if _, err := echo.Revise(context.Background(), ReviseRequest{RepoDir: t.TempDir()}); err == nil || !strings.Contains(err.Error(), "invalid plan JSON") {
		t.Fatalf("expected unknown field rejection, got %v", err)
	}
}
