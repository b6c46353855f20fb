package session

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/sso-portal/internal/domain"
	"github.com/ashureev/sso-portal/internal/events"
	"github.com/ashureev/sso-portal/internal/store"
	"github.com/ashureev/sso-portal/internal/token"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ephemeral *store.MemoryKV
	durable   *store.MemoryKV
	bus       *events.Bus
	clock     *clock.Mock
	store     *Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ephemeral: store.NewMemoryKV(),
		durable:   store.NewMemoryKV(),
		bus:       events.NewBus(),
		clock:     clock.NewMock(),
	}
	f.clock.Set(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	f.store = f.newStore()
	return f
}

func (f *fixture) newStore() *Store {
	return New(f.ephemeral, f.durable, nil, token.NewUnsigned(), f.bus, f.clock, Options{})
}

func (f *fixture) count(eventName string) *int {
	n := new(int)
	f.bus.AddEventListener(eventName, func(string, any) { *n++ })
	return n
}

func login(t *testing.T, s *Store, email string, role domain.Role) *domain.Session {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), domain.LoginData{Provider: "local", Email: email, Role: role})
	require.NoError(t, err)
	return sess
}

func TestCreateSessionAuthenticates(t *testing.T) {
	f := newFixture(t)
	created := f.count(events.SessionCreated)

	sess := login(t, f.store, "Admin@Demo.com", domain.RoleAdmin)

	require.True(t, f.store.IsAuthenticated())
	require.True(t, f.store.IsAdmin())
	require.Equal(t, "admin@demo.com", sess.User.Email)
	require.Equal(t, "admin", sess.User.Name)
	require.Equal(t, 1, *created)

	createdAt, expiresAt, ok := f.store.Expiry()
	require.True(t, ok)
	require.Equal(t, 8*time.Hour, expiresAt.Sub(createdAt))

	claims, err := token.NewUnsigned().Verify(sess.Token)
	require.NoError(t, err)
	require.Equal(t, "admin@demo.com", claims.Email)
	require.Equal(t, "admin", claims.Role)
}

func TestCreateSessionRequiresEmail(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.CreateSession(context.Background(), domain.LoginData{Provider: "local", Email: "  "})
	require.ErrorIs(t, err, ErrEmailRequired)
	require.False(t, f.store.IsAuthenticated())
}

func TestIsAuthenticatedTracksExpiry(t *testing.T) {
	f := newFixture(t)
	login(t, f.store, "user@demo.com", domain.RoleUser)

	f.clock.Add(8*time.Hour - time.Second)
	require.True(t, f.store.IsAuthenticated())

	f.clock.Add(time.Second)
	require.False(t, f.store.IsAuthenticated())
	require.False(t, f.store.HasPermission(PermElearning))
	require.Empty(t, f.store.Permissions())
}

func TestRefreshNeverDecreasesExpiry(t *testing.T) {
	f := newFixture(t)
	login(t, f.store, "user@demo.com", domain.RoleUser)
	_, before, _ := f.store.Expiry()

	f.clock.Add(2 * time.Hour)
	require.True(t, f.store.RefreshSession(context.Background()))
	_, after, _ := f.store.Expiry()
	require.True(t, after.After(before))
	require.Equal(t, f.clock.Now().Add(DefaultTTL), after)

	require.True(t, f.store.RefreshSession(context.Background()))
	_, again, _ := f.store.Expiry()
	require.False(t, again.Before(after))
}

func TestRefreshWithoutSessionLeavesLoggedOut(t *testing.T) {
	f := newFixture(t)
	require.False(t, f.store.RefreshSession(context.Background()))
	require.False(t, f.store.IsAuthenticated())

	login(t, f.store, "user@demo.com", domain.RoleUser)
	f.clock.Add(9 * time.Hour)
	cleared := f.count(events.SessionCleared)
	require.False(t, f.store.RefreshSession(context.Background()))
	require.False(t, f.store.IsAuthenticated())
	require.Nil(t, f.store.Current())
	require.Equal(t, 1, *cleared)
}

func TestClearSessionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	cleared := f.count(events.SessionCleared)
	login(t, f.store, "user@demo.com", domain.RoleUser)

	require.True(t, f.store.ClearSession(context.Background(), ReasonLogout))
	require.False(t, f.store.ClearSession(context.Background(), ReasonLogout))
	require.Equal(t, 1, *cleared)

	_, ok, _ := f.ephemeral.Get(context.Background(), KeySession)
	require.False(t, ok)
	_, ok, _ = f.durable.Get(context.Background(), KeyUser)
	require.True(t, ok, "durable user is kept for re-login")
}

type recordingLogger struct{ entries []domain.ActivityEntry }

func (r *recordingLogger) LogAttributed(_ context.Context, email, sessionID, action string, details map[string]any) domain.ActivityEntry {
	e := domain.ActivityEntry{Action: action, Details: details, UserEmail: email, SessionID: sessionID}
	r.entries = append(r.entries, e)
	return e
}

func TestLoginAndLogoutAreLogged(t *testing.T) {
	f := newFixture(t)
	rec := &recordingLogger{}
	f.store.SetActivityLogger(rec)

	sess := login(t, f.store, "user@demo.com", domain.RoleUser)
	f.store.ClearSession(context.Background(), ReasonLogout)
	f.store.ClearSession(context.Background(), ReasonLogout)

	require.Len(t, rec.entries, 2)
	require.Equal(t, "login", rec.entries[0].Action)
	require.Equal(t, "logout", rec.entries[1].Action)
	for _, e := range rec.entries {
		require.Equal(t, "user@demo.com", e.UserEmail)
		require.Equal(t, sess.ID, e.SessionID)
	}
}

func TestRestoreSession(t *testing.T) {
	f := newFixture(t)
	orig := login(t, f.store, "user@demo.com", domain.RoleTeacher)

	restored := f.count(events.SessionRestored)
	next := f.newStore()
	require.True(t, next.RestoreSession(context.Background()))
	require.True(t, next.IsAuthenticated())
	require.Equal(t, orig.ID, next.Current().ID)
	require.True(t, next.HasPermission(PermViewReports))
	require.Equal(t, 1, *restored)
}

func TestRestoreDiscardsExpiredSession(t *testing.T) {
	f := newFixture(t)
	login(t, f.store, "user@demo.com", domain.RoleUser)
	f.clock.Add(DefaultTTL + time.Minute)

	next := f.newStore()
	require.False(t, next.RestoreSession(context.Background()))
	require.False(t, next.IsAuthenticated())
	require.Equal(t, 0, f.ephemeral.Len())
	require.Equal(t, 0, f.durable.Len())
}

func TestRestoreDiscardsMalformedData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ephemeral.Put(ctx, KeySession, []byte("{oops")))
	require.NoError(t, f.durable.Put(ctx, KeyUser, []byte(`{"email":"user@demo.com"}`)))

	require.False(t, f.store.RestoreSession(ctx))
	require.False(t, f.store.IsAuthenticated())
}

func TestPermissionsByRole(t *testing.T) {
	f := newFixture(t)
	login(t, f.store, "user@demo.com", domain.RoleUser)
	require.True(t, f.store.HasPermission(PermElearning))
	require.False(t, f.store.HasPermission(PermViewReports))
	require.False(t, f.store.IsAdmin())

	login(t, f.store, "admin@demo.com", domain.RoleAdmin)
	require.True(t, f.store.HasPermission("anything_at_all"))
	require.ElementsMatch(t, AllPermissions, f.store.Permissions())
}

func TestUpdateUserKeepsSessionConsistent(t *testing.T) {
	f := newFixture(t)
	updated := f.count(events.UserUpdated)
	login(t, f.store, "user@demo.com", domain.RoleUser)

	name := "Ada Lovelace"
	user, err := f.store.UpdateUser(context.Background(), ProfileUpdate{
		Name:    &name,
		Profile: &domain.Profile{Bio: "engines"},
	})
	require.NoError(t, err)
	require.Equal(t, name, user.Name)
	require.Equal(t, name, f.store.Current().User.Name)
	require.Equal(t, "engines", f.store.User().Profile.Bio)
	require.Equal(t, 1, *updated)

	next := f.newStore()
	require.True(t, next.RestoreSession(context.Background()))
	require.Equal(t, name, next.Current().User.Name)
}

func TestUpdateUserRequiresSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.UpdateUser(context.Background(), ProfileUpdate{})
	require.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestTickRefreshesOnInteraction(t *testing.T) {
	f := newFixture(t)
	login(t, f.store, "user@demo.com", domain.RoleUser)
	refreshed := f.count(events.SessionRefreshed)

	f.store.Touch()
	f.store.Touch()
	f.clock.Add(ActivityTick)
	f.store.Tick(context.Background())
	f.store.Tick(context.Background())

	require.Equal(t, 1, *refreshed)
	require.Equal(t, f.clock.Now(), f.store.Current().LastActivity)
}

func TestTimedRefreshDoesNotCountAsInteraction(t *testing.T) {
	f := newFixture(t)
	login(t, f.store, "user@demo.com", domain.RoleUser)

	f.clock.Add(RefreshInterval)
	require.True(t, f.store.RefreshSession(context.Background()))
	f.clock.Add(RefreshInterval + time.Minute)
	require.True(t, f.store.RefreshSession(context.Background()))
	require.Equal(t, f.clock.Now(), f.store.Current().LastActivity)

	f.store.Tick(context.Background())
	require.False(t, f.store.IsAuthenticated())
}

func TestRefreshReissuesToken(t *testing.T) {
	f := newFixture(t)
	orig := login(t, f.store, "user@demo.com", domain.RoleUser)

	f.clock.Add(7 * time.Hour)
	token.NowTimeFunc = f.clock.Now
	t.Cleanup(func() { token.NowTimeFunc = time.Now })
	require.True(t, f.store.RefreshSession(context.Background()))

	cur := f.store.Current()
	require.NotEqual(t, orig.Token, cur.Token)
	claims, err := token.NewUnsigned().Verify(cur.Token)
	require.NoError(t, err)
	require.Equal(t, "user@demo.com", claims.Email)
	require.True(t, claims.ExpiresAt.Time.Equal(cur.ExpiresAt), "token exp %v, session exp %v", claims.ExpiresAt.Time, cur.ExpiresAt)
}

func TestWorkerLogsOutIdleSession(t *testing.T) {
	f := newFixture(t)
	login(t, f.store, "user@demo.com", domain.RoleUser)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	StartWorker(ctx, f.store)

	for i := 0; i < 180 && f.store.IsAuthenticated(); i++ {
		f.clock.Add(ActivityTick)
	}
	require.Eventually(t, func() bool { return !f.store.IsAuthenticated() }, 2*time.Second, 5*time.Millisecond)
	require.Nil(t, f.store.Current())
}

func TestWorkerKeepsInteractiveSession(t *testing.T) {
	f := newFixture(t)
	login(t, f.store, "user@demo.com", domain.RoleUser)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	StartWorker(ctx, f.store)

	for i := 1; i <= 180; i++ {
		if i%20 == 0 {
			f.store.Touch()
		}
		f.clock.Add(ActivityTick)
	}
	require.True(t, f.store.IsAuthenticated())
}

func TestTickClearsInactiveSession(t *testing.T) {
	f := newFixture(t)
	login(t, f.store, "user@demo.com", domain.RoleUser)

	f.clock.Add(DefaultInactivityTimeout)
	f.store.Tick(context.Background())
	require.True(t, f.store.IsAuthenticated())

	f.clock.Add(time.Minute)
	f.store.Tick(context.Background())
	require.False(t, f.store.IsAuthenticated())
}

func TestIssueToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.IssueToken()
	require.ErrorIs(t, err, ErrNotAuthenticated)

	login(t, f.store, "user@demo.com", domain.RoleUser)
	tok, err := f.store.IssueToken()
	require.NoError(t, err)
	claims, err := token.NewUnsigned().Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "user@demo.com", claims.Email)
}
