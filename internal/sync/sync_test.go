package sync_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"shipline/internal/cloud"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/events"
	"shipline/internal/migrate"
	"shipline/internal/repo"
	"shipline/internal/sync"
)

type testEnv struct {
	Repo repo.Repo
	Ctx  context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := migrate.Migrate(database); err != nil {
		t.Fatal(err)
	}
	return testEnv{Repo: repo.Repo{DB: database}, Ctx: context.Background()}
}

func newSync(env testEnv, hubURL string) sync.CloudSync {
	client := cloud.New(hubURL)
	client.Username = "dev"
	client.Password = "pw"
	s := sync.New(env.Repo, client)
	s.Now = func() time.Time { return time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC) }
	return s
}

func seedGeneration(t *testing.T, env testEnv, g domain.Generation) {
	t.Helper()
	if g.Status == "" {
		g.Status = "draft"
	}
	if g.SyncStatus == "" {
		g.SyncStatus = "not_synced"
	}
	if g.CreatedAt == "" {
		g.CreatedAt = "2024-01-01T00:00:00Z"
	}
	tx, err := env.Repo.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := env.Repo.InsertGenerationTx(env.Ctx, tx, g); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func writeData(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": v})
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

func TestPullInsertsThenUpdates(t *testing.T) {
	env := newTestEnv(t)
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/api/v1/generations" {
			writeData(w, map[string]any{"generations": []cloud.Generation{{
				ID:           "hub-1",
				GenerationID: "gen-1",
				Version:      "v1.0.0",
				Description:  "first",
				Status:       "draft",
				CreatedAt:    "2024-01-01T00:00:00Z",
				Changes:      []cloud.Change{{ChangeID: "auth", Type: "add", Title: "Auth", Status: "pending"}},
			}}})
			return
		}
		http.NotFound(w, r)
	}))
	defer hub.Close()

	s := newSync(env, hub.URL)
	res, err := s.Pull(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.New != 1 || res.Updated != 0 || len(res.Conflicts) != 0 {
		t.Fatalf("first pull: %+v", res)
	}

	g, err := env.Repo.GetGenerationByVersion(env.Ctx, "v1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if g.RemoteID == nil || *g.RemoteID != "hub-1" {
		t.Fatalf("remote id = %v", g.RemoteID)
	}
	if g.SyncStatus != "synced" {
		t.Fatalf("sync status = %s", g.SyncStatus)
	}
	if len(g.Changes) != 1 || g.Changes[0].ID != "auth" {
		t.Fatalf("changes = %+v", g.Changes)
	}

	res, err = s.Pull(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.New != 0 || res.Updated != 1 {
		t.Fatalf("second pull: %+v", res)
	}

	if _, err := env.Repo.GetSyncValue(env.Ctx, "last_pull_timestamp"); err != nil {
		t.Fatalf("last_pull_timestamp not recorded: %v", err)
	}
}

func TestPullKeepsLocalOnlyChanges(t *testing.T) {
	env := newTestEnv(t)
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]any{"generations": []cloud.Generation{{
			ID:           "hub-1",
			GenerationID: "gen-1",
			Version:      "v1.0.0",
			Status:       "draft",
			CreatedAt:    "2024-01-01T00:00:00Z",
			Changes:      []cloud.Change{{ChangeID: "auth", Type: "add", Title: "Auth"}},
		}}})
	}))
	defer hub.Close()

	s := newSync(env, hub.URL)
	if _, err := s.Pull(env.Ctx); err != nil {
		t.Fatal(err)
	}

	// a change added locally after the first pull must survive the second
	_, err := env.Repo.DB.Exec(`INSERT INTO generation_changes(change_id, generation_id, type, title, status) VALUES ('local-fix','gen-1','fix','Local fix','pending')`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Pull(env.Ctx); err != nil {
		t.Fatal(err)
	}

	g, err := env.Repo.GetGenerationByVersion(env.Ctx, "v1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Changes) != 2 {
		t.Fatalf("want both changes after pull, got %+v", g.Changes)
	}
}

func TestPullReportsVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	seedGeneration(t, env, domain.Generation{ID: "local-1", Version: "v1.0.0"})

	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]any{"generations": []cloud.Generation{{
			ID:           "hub-9",
			GenerationID: "other-origin",
			Version:      "v1.0.0",
			Status:       "draft",
			CreatedAt:    "2024-01-01T00:00:00Z",
		}}})
	}))
	defer hub.Close()

	s := newSync(env, hub.URL)
	res, err := s.Pull(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.New != 0 || res.Updated != 0 {
		t.Fatalf("conflicting version must not be written: %+v", res)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Reason != "Local and cloud have same version" {
		t.Fatalf("conflicts = %+v", res.Conflicts)
	}

	g, err := env.Repo.GetGenerationByVersion(env.Ctx, "v1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if g.ID != "local-1" || g.RemoteID != nil || g.SyncStatus != "not_synced" {
		t.Fatalf("local generation was touched: %+v", g)
	}
}

func TestPushCreatesThenUpdates(t *testing.T) {
	env := newTestEnv(t)
	seedGeneration(t, env, domain.Generation{ID: "gen-1", Version: "v1.0.0", Description: "first"})

	var creates, updates int32
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/generations/by-version/v1.0.0":
			writeDetail(w, http.StatusNotFound, "Generation not found")
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/generations":
			atomic.AddInt32(&creates, 1)
			var g cloud.Generation
			_ = json.NewDecoder(r.Body).Decode(&g)
			g.ID = "hub-1"
			writeData(w, g)
		case r.Method == http.MethodPatch && r.URL.Path == "/api/v1/generations/hub-1":
			atomic.AddInt32(&updates, 1)
			var g cloud.Generation
			_ = json.NewDecoder(r.Body).Decode(&g)
			g.ID = "hub-1"
			writeData(w, g)
		default:
			http.NotFound(w, r)
		}
	}))
	defer hub.Close()

	s := newSync(env, hub.URL)
	res, err := s.Push(env.Ctx, "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 1 || res.Updated != 0 || len(res.Errors) != 0 {
		t.Fatalf("first push: %+v", res)
	}

	g, err := env.Repo.GetGenerationByVersion(env.Ctx, "v1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if g.RemoteID == nil || *g.RemoteID != "hub-1" {
		t.Fatalf("remote id = %v", g.RemoteID)
	}
	if g.SyncStatus != "synced" || g.LastSyncedAt == nil {
		t.Fatalf("sync markers: status=%s last=%v", g.SyncStatus, g.LastSyncedAt)
	}

	res, err = s.Push(env.Ctx, "v1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 0 || res.Updated != 1 {
		t.Fatalf("second push: %+v", res)
	}
	if atomic.LoadInt32(&creates) != 1 || atomic.LoadInt32(&updates) != 1 {
		t.Fatalf("hub saw %d creates, %d updates", creates, updates)
	}
}

func TestPushSurfacesVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	seedGeneration(t, env, domain.Generation{ID: "gen-1", Version: "v1.0.0"})

	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/api/v1/generations/by-version/v1.0.0" {
			writeData(w, cloud.Generation{ID: "hub-9", GenerationID: "other-origin", Version: "v1.0.0"})
			return
		}
		t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		http.NotFound(w, r)
	}))
	defer hub.Close()

	s := newSync(env, hub.URL)
	res, err := s.Push(env.Ctx, "v1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 0 || res.Updated != 0 {
		t.Fatalf("conflicting push must not write: %+v", res)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %+v", res.Errors)
	}
	if res.Errors[0].Error != "Version v1.0.0 already exists in cloud" {
		t.Fatalf("error = %q", res.Errors[0].Error)
	}
	if res.Errors[0].Resolution != "Use different version or pull to sync" {
		t.Fatalf("resolution = %q", res.Errors[0].Resolution)
	}

	g, _ := env.Repo.GetGenerationByVersion(env.Ctx, "v1.0.0")
	if g.RemoteID != nil || g.SyncStatus != "not_synced" {
		t.Fatalf("conflicting generation must stay untouched: %+v", g)
	}
}

func TestPushRelinksSameOrigin(t *testing.T) {
	env := newTestEnv(t)
	seedGeneration(t, env, domain.Generation{ID: "gen-1", Version: "v1.0.0"})

	var patched atomic.Int32
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/generations/by-version/v1.0.0":
			writeData(w, cloud.Generation{ID: "hub-1", GenerationID: "gen-1", Version: "v1.0.0"})
		case r.Method == http.MethodPatch && r.URL.Path == "/api/v1/generations/hub-1":
			patched.Add(1)
			var g cloud.Generation
			_ = json.NewDecoder(r.Body).Decode(&g)
			g.ID = "hub-1"
			writeData(w, g)
		default:
			http.NotFound(w, r)
		}
	}))
	defer hub.Close()

	s := newSync(env, hub.URL)
	res, err := s.Push(env.Ctx, "v1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 1 || res.Created != 0 || len(res.Errors) != 0 {
		t.Fatalf("relink push: %+v", res)
	}
	if patched.Load() != 1 {
		t.Fatal("hub generation was not updated")
	}

	g, _ := env.Repo.GetGenerationByVersion(env.Ctx, "v1.0.0")
	if g.RemoteID == nil || *g.RemoteID != "hub-1" || g.SyncStatus != "synced" {
		t.Fatalf("link not restored: %+v", g)
	}
}

func TestPushEvolutionsRecoversFromDuplicate(t *testing.T) {
	env := newTestEnv(t)
	rid := "hub-1"
	seedGeneration(t, env, domain.Generation{ID: "gen-1", Version: "v1.0.0", SyncStatus: "synced", RemoteID: &rid})
	err := env.Repo.InsertEvolution(env.Ctx, domain.Evolution{
		ID:           "evo-1",
		GenerationID: "gen-1",
		ChangeID:     "auth",
		Tag:          "v1.0.0-auth-rc.1",
		Status:       "pass",
		StartedAt:    "2024-01-01T00:00:00Z",
		SyncStatus:   "not_synced",
	})
	if err != nil {
		t.Fatal(err)
	}

	var patched atomic.Int32
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/generations/hub-1/evolutions":
			writeDetail(w, http.StatusConflict, "Evolution v1.0.0-auth-rc.1 already exists")
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/generations/hub-1/evolutions":
			writeData(w, map[string]any{"evolutions": []cloud.Evolution{{
				ID:          "hub-evo-1",
				EvolutionID: "evo-1",
				ChangeID:    "auth",
				Tag:         "v1.0.0-auth-rc.1",
			}}})
		case r.Method == http.MethodPatch && r.URL.Path == "/api/v1/evolutions/hub-evo-1":
			patched.Add(1)
			var e cloud.Evolution
			_ = json.NewDecoder(r.Body).Decode(&e)
			e.ID = "hub-evo-1"
			writeData(w, e)
		default:
			http.NotFound(w, r)
		}
	}))
	defer hub.Close()

	s := newSync(env, hub.URL)
	res, err := s.PushEvolutions(env.Ctx, "v1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 1 || res.Created != 0 || len(res.Errors) != 0 {
		t.Fatalf("recovery push: %+v", res)
	}
	if patched.Load() != 1 {
		t.Fatal("hub evolution was not updated")
	}

	evo, err := env.Repo.GetEvolution(env.Ctx, "evo-1")
	if err != nil {
		t.Fatal(err)
	}
	if evo.RemoteID == nil || *evo.RemoteID != "hub-evo-1" || evo.SyncStatus != "synced" {
		t.Fatalf("evolution link: %+v", evo)
	}
}

func TestPushEvolutionsRequiresLinkedGeneration(t *testing.T) {
	env := newTestEnv(t)
	seedGeneration(t, env, domain.Generation{ID: "gen-1", Version: "v1.0.0"})

	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		http.NotFound(w, r)
	}))
	defer hub.Close()

	s := newSync(env, hub.URL)
	res, err := s.PushEvolutions(env.Ctx, "v1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 1 || res.Errors[0].Error != "Generation not linked to cloud" {
		t.Fatalf("errors = %+v", res.Errors)
	}
	if res.Errors[0].Resolution != "Push the generation first" {
		t.Fatalf("resolution = %q", res.Errors[0].Resolution)
	}
}

func TestStatusSummaryAndMissingVersion(t *testing.T) {
	env := newTestEnv(t)
	rid := "hub-1"
	last := "2024-01-01T12:00:00Z"
	seedGeneration(t, env, domain.Generation{ID: "gen-1", Version: "v1.0.0", SyncStatus: "synced", RemoteID: &rid, LastSyncedAt: &last})
	seedGeneration(t, env, domain.Generation{ID: "gen-2", Version: "v1.1.0"})

	s := newSync(env, "http://unused")
	st, err := s.Status(env.Ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if st.Summary == nil || st.Summary.Total != 2 || st.Summary.Synced != 1 || st.Summary.Pending != 1 || st.Summary.Conflicts != 0 {
		t.Fatalf("summary = %+v", st.Summary)
	}
	if len(st.Generations) != 2 {
		t.Fatalf("generations = %+v", st.Generations)
	}

	st, err = s.Status(env.Ctx, "v9.9.9")
	if err != nil {
		t.Fatal(err)
	}
	if st.Generation == nil || st.Generation.SyncStatus != "not_found" {
		t.Fatalf("missing version status = %+v", st.Generation)
	}
}

func TestDetectConflictsProbesUnlinked(t *testing.T) {
	env := newTestEnv(t)
	rid := "hub-1"
	seedGeneration(t, env, domain.Generation{ID: "gen-1", Version: "v1.0.0", SyncStatus: "synced", RemoteID: &rid})
	seedGeneration(t, env, domain.Generation{ID: "gen-2", Version: "v1.1.0"})
	seedGeneration(t, env, domain.Generation{ID: "gen-3", Version: "v1.2.0"})

	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/generations/by-version/v1.1.0":
			writeData(w, cloud.Generation{ID: "hub-2", GenerationID: "other", Version: "v1.1.0"})
		default:
			writeDetail(w, http.StatusNotFound, "Generation not found")
		}
	}))
	defer hub.Close()

	s := newSync(env, hub.URL)
	conflicts, err := s.DetectConflicts(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %+v", conflicts)
	}
	if conflicts[0].Version != "v1.1.0" || conflicts[0].Type != "version_exists" {
		t.Fatalf("conflict = %+v", conflicts[0])
	}
}

func TestHandlerHybridFiltersEvents(t *testing.T) {
	env := newTestEnv(t)
	seedGeneration(t, env, domain.Generation{ID: "gen-1", Version: "v1.0.0"})

	var requests atomic.Int32
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/generations/by-version/v1.0.0":
			writeDetail(w, http.StatusNotFound, "Generation not found")
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/generations":
			var g cloud.Generation
			_ = json.NewDecoder(r.Body).Decode(&g)
			g.ID = "hub-1"
			writeData(w, g)
		default:
			http.NotFound(w, r)
		}
	}))
	defer hub.Close()

	h := sync.Handler{Sync: newSync(env, hub.URL), Mode: "hybrid"}
	bus := events.NewDispatcher()
	detach := h.Attach(bus)
	defer detach()

	bus.Emit(env.Ctx, events.Event{Type: events.GenerationCreated, Payload: map[string]any{"version": "v1.0.0"}})
	if requests.Load() != 0 {
		t.Fatal("hybrid mode must not push on generation.created")
	}

	bus.Emit(env.Ctx, events.Event{Type: events.GenerationPromoted, Payload: map[string]any{"version": "v1.0.0"}})
	if requests.Load() == 0 {
		t.Fatal("hybrid mode must push on generation.promoted")
	}

	g, err := env.Repo.GetGenerationByVersion(env.Ctx, "v1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if g.RemoteID == nil || *g.RemoteID != "hub-1" {
		t.Fatalf("generation not pushed: %+v", g)
	}
}

func TestHandlerCloudPushesEvolutionEvents(t *testing.T) {
	env := newTestEnv(t)
	rid := "hub-1"
	seedGeneration(t, env, domain.Generation{ID: "gen-1", Version: "v1.0.0", SyncStatus: "synced", RemoteID: &rid})
	err := env.Repo.InsertEvolution(env.Ctx, domain.Evolution{
		ID:           "evo-1",
		GenerationID: "gen-1",
		ChangeID:     "auth",
		Tag:          "v1.0.0-auth-rc.1",
		Status:       "running",
		StartedAt:    "2024-01-01T00:00:00Z",
		SyncStatus:   "not_synced",
	})
	if err != nil {
		t.Fatal(err)
	}

	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/v1/generations/hub-1/evolutions" {
			var e cloud.Evolution
			_ = json.NewDecoder(r.Body).Decode(&e)
			e.ID = "hub-evo-1"
			writeData(w, e)
			return
		}
		http.NotFound(w, r)
	}))
	defer hub.Close()

	h := sync.Handler{Sync: newSync(env, hub.URL), Mode: "cloud"}
	bus := events.NewDispatcher()
	detach := h.Attach(bus)
	defer detach()

	bus.Emit(env.Ctx, events.Event{Type: events.EvolutionCreated, Payload: map[string]any{
		"tag":           "v1.0.0-auth-rc.1",
		"generation_id": "gen-1",
	}})

	evo, err := env.Repo.GetEvolution(env.Ctx, "evo-1")
	if err != nil {
		t.Fatal(err)
	}
	if evo.RemoteID == nil || *evo.RemoteID != "hub-evo-1" || evo.SyncStatus != "synced" {
		t.Fatalf("evolution not pushed: %+v", evo)
	}
}
