package module

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/sso-portal/internal/domain"
	"github.com/ashureev/sso-portal/internal/events"
	"github.com/ashureev/sso-portal/internal/session"
	"github.com/ashureev/sso-portal/internal/store"
	"github.com/ashureev/sso-portal/internal/token"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func newSessions(bus *events.Bus, clk clock.Clock) *session.Store {
	return session.New(store.NewMemoryKV(), store.NewMemoryKV(), nil, token.NewUnsigned(), bus, clk, session.Options{})
}

func loginAs(t *testing.T, s *session.Store, role domain.Role) {
	t.Helper()
	_, err := s.CreateSession(context.Background(), domain.LoginData{Email: string(role) + "@demo.com", Role: role})
	require.NoError(t, err)
}

func newCatalogRegistry(t *testing.T) (*Registry, *session.Store) {
	t.Helper()
	bus := events.NewBus()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	sessions := newSessions(bus, mock)
	reg := NewRegistry(sessions, bus)
	for _, d := range DefaultCatalog("https://learn.example.com/app", "https://mon.example.com/") {
		require.NoError(t, reg.Register(d.ID, d))
	}
	return reg, sessions
}

func ids(mods []domain.ModuleDescriptor) []string {
	out := make([]string, 0, len(mods))
	for _, m := range mods {
		out = append(out, m.ID)
	}
	return out
}

func TestRegisterRequiresID(t *testing.T) {
	reg := NewRegistry(newSessions(events.NewBus(), clock.NewMock()), events.NewBus())
	require.ErrorIs(t, reg.Register("", domain.ModuleDescriptor{Name: "x"}), ErrInvalidDescriptor)
}

func TestRegisterOverwriteKeepsPosition(t *testing.T) {
	reg, _ := newCatalogRegistry(t)
	require.NoError(t, reg.Register("elearning", domain.ModuleDescriptor{Name: "Learning v3", RequiresAuth: true}))

	all := reg.All()
	require.Equal(t, "elearning", all[1].ID)
	require.Equal(t, "Learning v3", all[1].Name)
	require.Len(t, all, 6)
}

func TestAvailableModulesLoggedOut(t *testing.T) {
	reg, _ := newCatalogRegistry(t)
	require.Equal(t, []string{"help"}, ids(reg.GetAvailableModules("")))
	require.False(t, reg.CanAccess("elearning"))
}

func TestAvailableModulesByRole(t *testing.T) {
	reg, sessions := newCatalogRegistry(t)

	loginAs(t, sessions, domain.RoleUser)
	require.Equal(t, []string{"help", "elearning", "tools", "cad_simulator"}, ids(reg.GetAvailableModules("")))

	loginAs(t, sessions, domain.RoleTeacher)
	require.Equal(t, []string{"help", "elearning", "monitoring", "tools", "cad_simulator"}, ids(reg.GetAvailableModules("")))

	loginAs(t, sessions, domain.RoleAdmin)
	require.Equal(t, []string{"help", "elearning", "monitoring", "tools", "cad_simulator", "admin_console"}, ids(reg.GetAvailableModules("")))
}

func TestRoleOverridePreviewsThatRolesPermissions(t *testing.T) {
	reg, sessions := newCatalogRegistry(t)

	loginAs(t, sessions, domain.RoleUser)
	asUser := ids(reg.GetAvailableModules(""))

	loginAs(t, sessions, domain.RoleAdmin)
	require.Equal(t, asUser, ids(reg.GetAvailableModules(domain.RoleUser)))
	require.Equal(t, []string{"help", "elearning", "monitoring", "tools", "cad_simulator"}, ids(reg.GetAvailableModules(domain.RoleTeacher)))
}

func TestAdminOnlyHiddenFromOtherRoles(t *testing.T) {
	reg, sessions := newCatalogRegistry(t)
	loginAs(t, sessions, domain.RoleTeacher)

	require.NotContains(t, ids(reg.GetAvailableModules("")), "admin_console")
	require.False(t, reg.CanAccess("admin_console"))
	require.Contains(t, ids(reg.GetAvailableModules(domain.RoleAdmin)), "admin_console")
}

func TestAccessReevaluatedAfterLogout(t *testing.T) {
	reg, sessions := newCatalogRegistry(t)
	loginAs(t, sessions, domain.RoleUser)
	require.True(t, reg.CanAccess("tools"))

	sessions.ClearSession(context.Background(), session.ReasonLogout)
	require.False(t, reg.CanAccess("tools"))
}

func TestUnregisterInvokesHook(t *testing.T) {
	reg, _ := newCatalogRegistry(t)
	var torn []string
	reg.onUnregister = func(id string) { torn = append(torn, id) }

	require.True(t, reg.Unregister("tools"))
	require.False(t, reg.Unregister("tools"))
	require.Equal(t, []string{"tools"}, torn)
	_, ok := reg.Get("tools")
	require.False(t, ok)
}

func TestComponentName(t *testing.T) {
	require.Equal(t, "CadSimulatorModule", ComponentName("cad_simulator"))
	require.Equal(t, "ToolsModule", ComponentName("tools"))
	require.Equal(t, "AdminConsoleModule", ComponentName("admin-console"))
}
