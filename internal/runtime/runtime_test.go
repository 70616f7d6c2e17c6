package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-voicenav/internal/eventstore"
	"github.com/loqalabs/loqa-voicenav/internal/shell"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := testConfig(t, farmManifest)
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "history.db")

	store, err := eventstore.Open(context.Background(), cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	voice, err := buildVoice(context.Background(), cfg, nil, store, newLogger())
	if err != nil {
		t.Fatalf("build voice: %v", err)
	}
	t.Cleanup(func() { _ = voice.Close() })

	r := New(cfg, newLogger())
	r.store = store
	r.voice = voice
	return r
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestReadiness(t *testing.T) {
	r := newTestRuntime(t)
	h := r.handler()
	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}
	if rec := get(t, h, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before start, got %d", rec.Code)
	}
	r.ready.Store(true)
	if rec := get(t, h, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}
}

func TestStateEndpoint(t *testing.T) {
	r := newTestRuntime(t)
	rec := get(t, r.handler(), "/v1/state")
	if rec.Code != http.StatusOK {
		t.Fatalf("state returned %d", rec.Code)
	}
	var st shell.State
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Page != "home" || st.Language != "en-IN" || !st.Supported {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestLanguagesEndpoint(t *testing.T) {
	r := newTestRuntime(t)
	rec := get(t, r.handler(), "/v1/languages")
	var menu []shell.MenuItem
	if err := json.NewDecoder(rec.Body).Decode(&menu); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(menu) != 3 || !menu[0].Active {
		t.Fatalf("unexpected menu: %+v", menu)
	}
}

func TestSessionEndpoints(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()
	if err := r.voice.Shell.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	id := r.voice.Session.ID()
	if err := r.voice.Shell.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	r.voice.Shell.SetLanguage("hi-IN")

	h := r.handler()
	rec := get(t, h, "/v1/sessions")
	var sessions []eventstore.Session
	if err := json.NewDecoder(rec.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != id {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}

	rec = get(t, h, "/v1/sessions/"+id)
	if rec.Code != http.StatusOK {
		t.Fatalf("session returned %d", rec.Code)
	}
	var interactions []eventstore.Interaction
	if err := json.NewDecoder(rec.Body).Decode(&interactions); err != nil {
		t.Fatalf("decode interactions: %v", err)
	}
	if len(interactions) != 1 || interactions[0].Kind != eventstore.KindLanguage {
		t.Fatalf("unexpected interactions: %+v", interactions)
	}

	if rec := get(t, h, "/v1/sessions/missing"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestFeaturesEndpoint(t *testing.T) {
	r := newTestRuntime(t)
	rec := get(t, r.handler(), "/v1/features?limit=5")
	var list []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 features, got %d", len(list))
	}
}
