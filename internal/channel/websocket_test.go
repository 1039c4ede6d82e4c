package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"launchpad/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newWSOutput(t *testing.T) (*WebSocketOutput, *httptest.Server) {
	t.Helper()
	ws := NewWebSocketOutput(WSConfig{
		Channels: map[string][]string{
			"app":       {"devChange"},
			"launchpad": {"authChange"},
		},
		Logger: testLogger(),
	})
	srv := httptest.NewServer(ws)
	t.Cleanup(srv.Close)
	return ws, srv
}

func dialChannel(t *testing.T, srv *httptest.Server, channel string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?channel=" + channel
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var hello WSMessage
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "status", hello.Type)
	require.Equal(t, channel, hello.Channel)
	return conn
}

func TestWebSocketOutput_BroadcastsToChannel(t *testing.T) {
	ws, srv := newWSOutput(t)
	app := dialChannel(t, srv, "app")
	lp := dialChannel(t, srv, "launchpad")

	require.Eventually(t, func() bool { return ws.ClientCount("") == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, ws.ClientCount("app"))

	err := ws.Forward(context.Background(), domain.Notification{
		Event:     "devChange",
		Channel:   "app",
		Args:      []any{"/src/main.go"},
		Timestamp: time.UnixMilli(1700000000000),
	})
	require.NoError(t, err)

	app.SetReadDeadline(time.Now().Add(time.Second))
	var msg WSMessage
	require.NoError(t, app.ReadJSON(&msg))
	require.Equal(t, "notification", msg.Type)
	require.Equal(t, "devChange", msg.Event)
	require.Equal(t, []any{"/src/main.go"}, msg.Args)
	require.EqualValues(t, 1700000000000, msg.Timestamp)

	// The launchpad client must not see app traffic.
	lp.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, _, err = lp.ReadMessage()
	require.Error(t, err)
}

func TestWebSocketOutput_UnknownChannel(t *testing.T) {
	_, srv := newWSOutput(t)

	resp, err := http.Get(srv.URL + "/?channel=nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketOutput_DisconnectRemovesClient(t *testing.T) {
	ws, srv := newWSOutput(t)
	conn := dialChannel(t, srv, "app")
	require.Eventually(t, func() bool { return ws.ClientCount("app") == 1 }, time.Second, 5*time.Millisecond)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	require.Eventually(t, func() bool { return ws.ClientCount("app") == 0 }, time.Second, 5*time.Millisecond)
}

func TestWebSocketOutput_CloseAll(t *testing.T) {
	ws, srv := newWSOutput(t)
	conn := dialChannel(t, srv, "app")
	require.Eventually(t, func() bool { return ws.ClientCount("") == 1 }, time.Second, 5*time.Millisecond)

	ws.CloseAll()
	require.Zero(t, ws.ClientCount(""))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestWSMessage_OmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(WSMessage{Type: "status"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"status"}`, string(data))
}
