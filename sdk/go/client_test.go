package draftlinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestApproveSendsHashAndDecodesConflict(t *testing.T) {
	var gotActor string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotActor = r.Header.Get("X-Actor-Id")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		if r.URL.Path != "/v0/jobs/j1/approve" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"hash_mismatch","message":"plan hash mismatch","details":{"latest_plan_hash":"abc"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.ActorID = "bob"
	_, err := c.Approve(context.Background(), "j1", "def", "")
	if !IsCode(err, "hash_mismatch") {
		t.Fatalf("expected hash_mismatch, got %v", err)
	}
	if gotActor != "bob" || gotBody["plan_hash"] != "def" {
		t.Fatalf("unexpected request actor=%q body=%v", gotActor, gotBody)
	}
	ae := err.(*APIError)
	if ae.Details["latest_plan_hash"] != "abc" {
		t.Fatalf("details not decoded: %+v", ae)
	}
}

func TestArtifactContentReturnsRawBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/jobs/j1/artifacts/git_diff" || r.URL.Query().Get("version") != "2" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"patch":"diff --git"}`))
	}))
	defer srv.Close()

	data, err := New(srv.URL).ArtifactContent(context.Background(), "j1", "git_diff", 2)
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	if string(data) != `{"patch":"diff --git"}` {
		t.Fatalf("unexpected content %s", string(data))
	}
}
