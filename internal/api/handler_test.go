//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/sso-portal/internal/config"
	"github.com/ashureev/sso-portal/internal/domain"
	"github.com/ashureev/sso-portal/internal/frame"
	"github.com/ashureev/sso-portal/internal/frame/frametest"
	"github.com/ashureev/sso-portal/internal/identity"
	"github.com/ashureev/sso-portal/internal/module"
	"github.com/ashureev/sso-portal/internal/portal"
	"github.com/ashureev/sso-portal/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

const (
	testDevice   = "dev_0123456789abcdef0123456789abcdef"
	moduleOrigin = "https://learn.example.com"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

type apiFixture struct {
	t      *testing.T
	db     *store.SQLiteStore
	cores  *portal.Manager
	host   *frametest.Host
	shells *ShellManager
	health *HealthHandler
	routes http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db, err := store.NewSQLite(filepath.Join(t.TempDir(), "portal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{AllowedOrigins: []string{"*"}}
	host := &frametest.Host{AutoLoadOrigin: moduleOrigin}
	cores := portal.NewManager(portal.Options{
		Repository:     db,
		Ephemeral:      store.NewMemoryKV(),
		Host:           host,
		AllowedOrigins: cfg.AllowedOrigins,
		Catalog:        module.DefaultCatalog(moduleOrigin+"/app", "https://mon.example.com/"),
	}, time.Hour)
	t.Cleanup(cores.Close)

	f := &apiFixture{
		t:      t,
		db:     db,
		cores:  cores,
		host:   host,
		shells: NewShellManager(),
		health: NewHealthHandler(db, time.Second),
	}
	t.Cleanup(f.shells.CloseAll)
	base := NewHandler(cores, db, f.shells, cfg)

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	f.health.RegisterHealth(r)
	r.Route("/api", func(r chi.Router) {
		NewSessionHandler(base).RegisterRoutes(r)
		NewModuleHandler(base).RegisterRoutes(r)
		NewDataHandler(base).RegisterRoutes(r)
	})
	r.Get("/ws/shell", NewShellHandler(base, true).ServeHTTP)
	f.routes = r
	return f
}

func (f *apiFixture) request(method, path, tab string, body any) *http.Request {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: identity.DeviceCookieName, Value: testDevice})
	if tab != "" {
		req.Header.Set(identity.TabHeaderName, tab)
	}
	return req
}

func (f *apiFixture) do(method, path, tab string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	rec := httptest.NewRecorder()
	f.routes.ServeHTTP(rec, f.request(method, path, tab, body))
	return rec
}

func (f *apiFixture) login(tab, email, role string) {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/api/session", tab, map[string]string{"provider": "google", "email": email, "role": role})
	require.Equal(f.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (f *apiFixture) core(tab string) *portal.Core {
	f.t.Helper()
	c, ok := f.cores.Lookup(testDevice, tab)
	require.True(f.t, ok)
	return c
}

func frameMessage(data string) frame.Inbound {
	return frame.Inbound{Origin: moduleOrigin, Data: []byte(data)}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestSessionLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	got := decodeBody[sessionResponse](t, f.do(http.MethodGet, "/api/session", "tab-1", nil))
	require.False(t, got.Authenticated)
	require.Empty(t, got.Permissions)

	f.login("tab-1", "Admin@Demo.com", "admin")
	got = decodeBody[sessionResponse](t, f.do(http.MethodGet, "/api/session", "tab-1", nil))
	require.True(t, got.Authenticated)
	require.Equal(t, "admin@demo.com", got.Session.User.Email)
	require.Equal(t, domain.RoleAdmin, got.User.Role)
	require.Contains(t, got.Permissions, "manage_users")

	rec := f.do(http.MethodPost, "/api/session/refresh", "tab-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodDelete, "/api/session", "tab-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decodeBody[map[string]bool](t, rec)["cleared"])

	got = decodeBody[sessionResponse](t, f.do(http.MethodGet, "/api/session", "tab-1", nil))
	require.False(t, got.Authenticated)

	rec = f.do(http.MethodPost, "/api/session/refresh", "tab-1", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginRequiresEmail(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/session", "", map[string]string{"provider": "google"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/session", "", map[string]string{"provider": "local"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterAndLocalLogin(t *testing.T) {
	f := newAPIFixture(t)
	account := map[string]string{"email": "teacher@demo.com", "password": "correct horse", "role": "teacher"}

	rec := f.do(http.MethodPost, "/api/users", "", account)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotContains(t, rec.Body.String(), "correct horse")

	rec = f.do(http.MethodPost, "/api/users", "", account)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/api/users", "", map[string]string{"email": "short@demo.com", "password": "abc"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/users", "", map[string]string{"email": "no-at-sign", "password": "long enough"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/session", "", map[string]string{"provider": "local", "email": "teacher@demo.com", "password": "wrong password"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/api/session", "", map[string]string{"email": "nobody@demo.com", "password": "whatever1"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/api/session", "", map[string]string{
		"provider": "local", "email": "teacher@demo.com", "password": "correct horse", "role": "admin",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[sessionResponse](t, rec)
	require.Equal(t, domain.RoleTeacher, got.Session.User.Role)
	require.Equal(t, "local", got.Session.Provider)
}

func TestTabsHaveSeparateSessions(t *testing.T) {
	f := newAPIFixture(t)
	f.login("tab-a", "learner@demo.com", "user")

	a := decodeBody[sessionResponse](t, f.do(http.MethodGet, "/api/session", "tab-a", nil))
	b := decodeBody[sessionResponse](t, f.do(http.MethodGet, "/api/session", "tab-b", nil))
	require.True(t, a.Authenticated)
	require.False(t, b.Authenticated)

	rec := f.do(http.MethodPatch, "/api/preferences", "tab-a", map[string]any{"theme": "dark"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Preferences are device-wide; a tab created later reads them.
	prefs := decodeBody[map[string]any](t, f.do(http.MethodGet, "/api/preferences", "tab-c", nil))
	require.Equal(t, "dark", prefs["theme"])
}

func TestUpdateMe(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPatch, "/api/users/me", "", map[string]string{"name": "Nobody"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	f.login("", "learner@demo.com", "user")
	rec = f.do(http.MethodPatch, "/api/users/me", "", map[string]any{
		"name":    "Ada Learner",
		"profile": map[string]string{"bio": "Welding apprentice"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	user := decodeBody[domain.User](t, rec)
	require.Equal(t, "Ada Learner", user.Name)
	require.Equal(t, "Welding apprentice", user.Profile.Bio)

	got := decodeBody[sessionResponse](t, f.do(http.MethodGet, "/api/session", "", nil))
	require.Equal(t, "Ada Learner", got.Session.User.Name)

	stored, err := f.db.FindByEmail(context.Background(), "learner@demo.com")
	require.NoError(t, err)
	require.Equal(t, "Ada Learner", stored.Name)
}

func TestModuleCatalogByRole(t *testing.T) {
	f := newAPIFixture(t)

	ids := func(rec *httptest.ResponseRecorder) []string {
		var out []string
		for _, m := range decodeBody[moduleList](t, rec).Modules {
			out = append(out, m.ID)
		}
		return out
	}

	require.Equal(t, []string{"help"}, ids(f.do(http.MethodGet, "/api/modules", "", nil)))

	f.login("", "learner@demo.com", "user")
	user := ids(f.do(http.MethodGet, "/api/modules?role=admin", "", nil))
	require.Contains(t, user, "elearning")
	require.NotContains(t, user, "admin_console")

	f.login("", "admin@demo.com", "admin")
	require.Contains(t, ids(f.do(http.MethodGet, "/api/modules", "", nil)), "admin_console")
	require.NotContains(t, ids(f.do(http.MethodGet, "/api/modules?role=user", "", nil)), "admin_console")
}

func TestModuleLoadErrors(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/modules/elearning/load", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "access_denied", decodeBody[map[string]string](t, rec)["kind"])

	rec = f.do(http.MethodPost, "/api/modules/nope/load", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	f.login("", "learner@demo.com", "user")
	rec = f.do(http.MethodPost, "/api/modules/admin_console/load", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/api/modules/help/load", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decodeBody[domain.ModuleStatus](t, rec)
	require.Equal(t, domain.ModuleReady, st.State)
	require.Equal(t, "HelpModule", st.Component)

	rec = f.do(http.MethodPost, "/api/modules/help/unload", "", nil)
	require.True(t, decodeBody[map[string]bool](t, rec)["unloaded"])
	rec = f.do(http.MethodPost, "/api/modules/help/unload", "", nil)
	require.False(t, decodeBody[map[string]bool](t, rec)["unloaded"])
}

func TestFrameModuleLoadCompletesOnReadySignal(t *testing.T) {
	f := newAPIFixture(t)
	f.login("tab-1", "learner@demo.com", "user")
	c := f.core("tab-1")

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		f.routes.ServeHTTP(rec, f.request(http.MethodPost, "/api/modules/elearning/load", "tab-1", nil))
		done <- rec
	}()

	require.Eventually(t, func() bool {
		st := c.Loader.Status("elearning")
		return st.FrameID != "" && st.Handshake == "attached"
	}, 2*time.Second, 5*time.Millisecond)
	f.host.Last().Send([]byte(`{"type":"module-ready","moduleId":"elearning"}`))

	var rec *httptest.ResponseRecorder
	select {
	case rec = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("load did not complete after ready signal")
	}
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	list := decodeBody[moduleList](t, f.do(http.MethodGet, "/api/modules", "tab-1", nil))
	require.Equal(t, "elearning", list.Active)

	syncs := f.host.Last().MessagesOfType("sso-sync")
	require.NotEmpty(t, syncs)
	require.Equal(t, "elearning", syncs[0]["module"].(map[string]any)["id"])
}

func TestModuleProgress(t *testing.T) {
	f := newAPIFixture(t)
	f.login("", "learner@demo.com", "user")

	rec := f.do(http.MethodGet, "/api/modules/elearning/progress", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decodeBody[map[string]any](t, rec))

	c := f.core(identity.DefaultTabIDValue)
	c.Container.Deliver(frameMessage(`{"type":"section-completed","moduleId":"elearning","sectionId":"intro"}`))

	progress := decodeBody[map[string]any](t, f.do(http.MethodGet, "/api/modules/elearning/progress", "", nil))
	require.Equal(t, []any{"intro"}, progress["completedSections"])

	rec = f.do(http.MethodGet, "/api/modules/nope/progress", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActivityAndPreferences(t *testing.T) {
	f := newAPIFixture(t)
	f.login("", "learner@demo.com", "user")

	rec := f.do(http.MethodGet, "/api/activity?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[map[string][]domain.ActivityEntry](t, rec)["entries"]
	require.NotEmpty(t, entries)
	require.Equal(t, "login", entries[0].Action)
	require.Equal(t, "learner@demo.com", entries[0].UserEmail)

	rec = f.do(http.MethodGet, "/api/activity?limit=abc", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPatch, "/api/preferences", "", map[string]any{"theme": "dark"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodPatch, "/api/preferences", "", map[string]any{"language": "de"})
	prefs := decodeBody[map[string]any](t, rec)
	require.Equal(t, "dark", prefs["theme"])
	require.Equal(t, "de", prefs["language"])

	rec = f.do(http.MethodPatch, "/api/preferences", "", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestArtifacts(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodGet, "/api/artifacts?kind=job_sheet", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/artifacts?kind=essay", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	f.login("", "learner@demo.com", "user")
	_, err := f.db.SubmitArtifact(context.Background(), "learner@demo.com", "elearning", domain.ArtifactJobSheet, map[string]any{"task": "weld"})
	require.NoError(t, err)

	rec = f.do(http.MethodGet, "/api/artifacts?kind=job-sheet", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Kind  domain.ArtifactKind `json:"kind"`
		Items []domain.Artifact   `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, domain.ArtifactJobSheet, got.Kind)
	require.Len(t, got.Items, 1)
	require.Equal(t, "weld", got.Items[0].Data["task"])

	rec = f.do(http.MethodGet, "/api/artifacts?kind=test_result", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"items":[]`)
}

func TestMissingDeviceIsRejected(t *testing.T) {
	f := newAPIFixture(t)
	h := NewHandler(f.cores, f.db, f.shells, &config.Config{})

	rec := httptest.NewRecorder()
	_, ok := h.core(rec, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	require.False(t, ok)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
