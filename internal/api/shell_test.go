package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/sso-portal/internal/identity"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

func dialShell(t *testing.T, srv *httptest.Server, tab string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/shell?" + identity.TabQueryParam + "=" + tab
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Cookie": {identity.DeviceCookieName + "=" + testDevice}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if match(msg) {
			return msg
		}
	}
}

func ofType(typ string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == typ }
}

func event(name string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == "event" && m["eventName"] == name }
}

func TestShellReceivesHelloAndEvents(t *testing.T) {
	f := newAPIFixture(t)
	srv := httptest.NewServer(f.routes)
	defer srv.Close()

	conn := dialShell(t, srv, "tab-1")
	hello := readUntil(t, conn, ofType(ShellHello))
	require.Equal(t, "tab-1", hello["tabId"])
	require.Equal(t, testDevice, hello["deviceId"])
	require.Nil(t, hello["session"])

	require.Eventually(t, func() bool { return f.shells.Active(testDevice, "tab-1") }, time.Second, 5*time.Millisecond)
	require.True(t, f.core("tab-1").Pinned())

	f.login("tab-1", "learner@demo.com", "user")
	created := readUntil(t, conn, event("session_created"))
	data := created["data"].(map[string]any)
	require.Equal(t, "learner@demo.com", data["user"].(map[string]any)["email"])
}

func TestShellMessagesReachRouter(t *testing.T) {
	f := newAPIFixture(t)
	srv := httptest.NewServer(f.routes)
	defer srv.Close()

	conn := dialShell(t, srv, "tab-1")
	readUntil(t, conn, ofType(ShellHello))

	ctx := context.Background()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"request-session"}`)))
	readUntil(t, conn, ofType("session-expired"))

	f.login("tab-1", "learner@demo.com", "user")
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"request-session"}`)))
	reply := readUntil(t, conn, ofType("session-response"))
	require.NotEmpty(t, reply["token"])
	require.Equal(t, "learner@demo.com", reply["user"].(map[string]any)["email"])

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"preference-update","preferences":{"theme":"dark"}}`)))
	readUntil(t, conn, event("preferences_updated"))
	require.Equal(t, "dark", f.core("tab-1").Activity.Preferences()["theme"])

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"logout"}`)))
	readUntil(t, conn, event("session_cleared"))
	require.False(t, f.core("tab-1").Sessions.IsAuthenticated())
}

func TestShellIsToldToMountFrames(t *testing.T) {
	f := newAPIFixture(t)
	srv := httptest.NewServer(f.routes)
	defer srv.Close()

	f.login("tab-1", "learner@demo.com", "user")
	conn := dialShell(t, srv, "tab-1")
	readUntil(t, conn, ofType(ShellHello))

	done := make(chan int, 1)
	go func() {
		rec := httptest.NewRecorder()
		f.routes.ServeHTTP(rec, f.request(http.MethodPost, "/api/modules/elearning/load", "tab-1", nil))
		done <- rec.Code
	}()

	mount := readUntil(t, conn, ofType(ShellMount))
	require.Equal(t, "elearning", mount["moduleId"])
	require.Contains(t, mount["sandbox"], "allow-scripts")

	require.Eventually(t, func() bool {
		return f.core("tab-1").Loader.Status("elearning").Handshake == "attached"
	}, 2*time.Second, 5*time.Millisecond)
	f.host.Last().Send([]byte(`{"type":"module-ready"}`))
	require.Equal(t, http.StatusOK, <-done)

	rec := f.do(http.MethodPost, "/api/modules/elearning/unload", "tab-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	unmount := readUntil(t, conn, ofType(ShellUnmount))
	require.Equal(t, "elearning", unmount["moduleId"])
}

func TestNewerShellReplacesOlder(t *testing.T) {
	f := newAPIFixture(t)
	srv := httptest.NewServer(f.routes)
	defer srv.Close()

	first := dialShell(t, srv, "tab-1")
	readUntil(t, first, ofType(ShellHello))
	second := dialShell(t, srv, "tab-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	for err == nil {
		_, _, err = first.Read(ctx)
	}
	require.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))

	readUntil(t, second, ofType(ShellHello))
	require.Equal(t, 1, f.shells.Len())

	_ = second.Close(websocket.StatusNormalClosure, "bye")
	require.Eventually(t, func() bool { return f.shells.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !f.core("tab-1").Pinned() }, 2*time.Second, 5*time.Millisecond)
}
