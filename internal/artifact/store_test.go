package artifact

import (
	"context"
	"errors"
	"os"
	"path"
	"testing"
	"time"

	"github.com/spf13/afero"

	"draftline/internal/domain"
	"draftline/internal/logging"
)

func newTestStore(t *testing.T, fs afero.Fs) *Store {
	t.Helper()
	if fs == nil {
		fs = afero.NewMemMapFs()
	}
	s, err := New(fs, Options{
		Root:      "/artifacts",
		MaxSize:   1024,
		Attempts:  3,
		BaseDelay: time.Millisecond,
		Now:       func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
		Logger:    logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestPutIsWriteOnce(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	ref, err := s.Put(ctx, "job-1", domain.ArtifactPlan, 1, []byte(`{"a":1}`), "", map[string]string{"plan_hash": "abc"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref.Version != 1 || ref.Size != 7 || ref.ContentType != ContentTypeJSON || ref.SHA256 == "" {
		t.Fatalf("unexpected ref %+v", ref)
	}
	_, err = s.Put(ctx, "job-1", domain.ArtifactPlan, 1, []byte(`{"a":2}`), "", nil)
	if !errors.Is(err, domain.ErrArtifactExists) {
		t.Fatalf("expected ErrArtifactExists, got %v", err)
	}
	data, got, err := s.Get(ctx, "job-1", domain.ArtifactPlan, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != `{"a":1}` || got.Metadata["plan_hash"] != "abc" {
		t.Fatalf("artifact was overwritten: %s %+v", data, got)
	}
}

func TestPutAppendsNextVersion(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		ref, err := s.PutJSON(ctx, "job-1", domain.ArtifactDiff, 0, map[string]int{"attempt": i}, nil)
		if err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
		if ref.Version != i {
			t.Fatalf("expected version %d, got %d", i, ref.Version)
		}
	}
	var latest map[string]int
	ref, err := s.GetJSON(ctx, "job-1", domain.ArtifactDiff, 0, &latest)
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if ref.Version != 3 || latest["attempt"] != 3 {
		t.Fatalf("expected latest v3, got %+v %v", ref, latest)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t, nil)
	_, _, err := s.Get(context.Background(), "job-1", domain.ArtifactApproval, 0)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRejectsOversizedAndUnknownType(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	_, err := s.Put(ctx, "job-1", domain.ArtifactValidationLogs, 0, make([]byte, 2048), ContentTypeText, nil)
	var sizeErr *SizeError
	if !errors.As(err, &sizeErr) {
		t.Fatalf("expected size error, got %v", err)
	}
	if _, err := s.Put(ctx, "job-1", domain.ArtifactType("bogus"), 0, []byte("x"), "", nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := s.Put(ctx, "../escape", domain.ArtifactPlan, 0, []byte("x"), "", nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid job id, got %v", err)
	}
}

func TestChecksumMismatchIsStoreFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs)
	ctx := context.Background()
	if _, err := s.Put(ctx, "job-1", domain.ArtifactPlan, 1, []byte(`{"a":1}`), "", nil); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, "/artifacts/job-1/plan/1.json", []byte(`{"a":9}`), 0o644); err != nil {
		t.Fatal(err)
	}
	fresh := newTestStore(t, fs)
	if _, _, err := fresh.Get(ctx, "job-1", domain.ArtifactPlan, 1); !errors.Is(err, domain.ErrArtifactStore) {
		t.Fatalf("expected artifact store failure, got %v", err)
	}
}

type flakyFs struct {
	afero.Fs
	failures int
}

func (f *flakyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if f.failures > 0 && flag&os.O_CREATE != 0 {
		f.failures--
		return nil, errors.New("disk busy")
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func TestPutRetriesTransientFailures(t *testing.T) {
	fs := &flakyFs{Fs: afero.NewMemMapFs(), failures: 2}
	s := newTestStore(t, fs)
	if _, err := s.Put(context.Background(), "job-1", domain.ArtifactPlan, 1, []byte(`{}`), "", nil); err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	fs.failures = 10
	_, err := s.Put(context.Background(), "job-1", domain.ArtifactPlan, 2, []byte(`{}`), "", nil)
	if !errors.Is(err, domain.ErrArtifactStore) {
		t.Fatalf("expected artifact store failure, got %v", err)
	}
}

func TestListOrdersByTypeThenVersion(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	mustPut := func(typ domain.ArtifactType, version int) {
		t.Helper()
		if _, err := s.Put(ctx, "job-1", typ, version, []byte(`{}`), "", nil); err != nil {
			t.Fatal(err)
		}
	}
	mustPut(domain.ArtifactPlan, 2)
	mustPut(domain.ArtifactInputSpec, 0)
	mustPut(domain.ArtifactPlan, 1)
	refs, err := s.List(ctx, "job-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 3 {
		t.Fatalf("expected 3 refs, got %d", len(refs))
	}
	if refs[0].Type != domain.ArtifactInputSpec || refs[1].Version != 1 || refs[2].Version != 2 {
		t.Fatalf("unexpected order %+v", refs)
	}
	plans, err := s.List(ctx, "job-1", domain.ArtifactPlan)
	if err != nil || len(plans) != 2 {
		t.Fatalf("filtered list: %v %d", err, len(plans))
	}
}

func TestPurgeOlderThan(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs)
	ctx := context.Background()
	for _, id := range []string{"old", "active", "fresh"} {
		if _, err := s.Put(ctx, id, domain.ArtifactInputSpec, 0, []byte(`{}`), "", nil); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-40 * 24 * time.Hour)
	for _, id := range []string{"old", "active"} {
		for _, name := range []string{"1.json", "1.meta.json"} {
			if err := fs.Chtimes(path.Join("/artifacts", id, "input_spec", name), old, old); err != nil {
				t.Fatal(err)
			}
		}
	}
	purged, err := s.PurgeOlderThan(time.Now().Add(-30*24*time.Hour), func(id string) bool { return id == "active" })
	if err != nil {
		t.Fatal(err)
	}
	if len(purged) != 1 || purged[0] != "old" {
		t.Fatalf("unexpected purge %v", purged)
	}
	if _, _, err := s.Get(ctx, "old", domain.ArtifactInputSpec, 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected purged artifact to be gone, got %v", err)
	}
	if ok, _ := s.Has("active", domain.ArtifactInputSpec); !ok {
		t.Fatalf("active job must be kept")
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry{Attempts: 5, BaseDelay: time.Millisecond}.Do(context.Background(), func() error {
		calls++
		return domain.ErrArtifactExists
	}, nil)
	if calls != 1 || !errors.Is(err, domain.ErrArtifactExists) {
		t.Fatalf("expected single call, got %d (%v)", calls, err)
	}
}

func TestRetryBacksOffUntilAttemptsRunOut(t *testing.T) {
	calls := 0
	var retried []int
	flaky := errors.New("disk busy")
	err := Retry{Attempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func() error {
		calls++
		return flaky
	}, func(attempt int, err error) {
		retried = append(retried, attempt)
	})
	if calls != 3 || !errors.Is(err, flaky) {
		t.Fatalf("expected 3 calls ending in the last error, got %d (%v)", calls, err)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Fatalf("unexpected retry notifications %v", retried)
	}

	calls = 0
	err = Retry{Attempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func() error {
		calls++
		if calls < 2 {
			return flaky
		}
		return nil
	}, nil)
	if err != nil || calls != 2 {
		t.Fatalf("expected success on second call, got %d (%v)", calls, err)
	}
}
