package livequery

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"launchpad/internal/bus"
	"launchpad/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type harness struct {
	bus *bus.Bus
	srv *Server
	ts  *httptest.Server
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	b := bus.New(testLogger())
	cfg := Config{Bus: b, Logger: testLogger()}
	for _, m := range mutate {
		m(&cfg)
	}
	s := New(cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Manager().CancelAll()
		ts.Close()
	})
	return &harness{bus: b, srv: s, ts: ts}
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.ts.URL, "http") + defaultPath
}

func (h *harness) dial(t *testing.T) *Client {
	t.Helper()
	c, err := Dial(context.Background(), h.wsURL(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "subscription channel closed")
		return m
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for frame")
		return Message{}
	}
}

// signalUntil repeats the signal until a frame arrives. A signal raised while
// the server-side pump is between pulls is dropped, so one attempt is not
// enough.
func signalUntil(t *testing.T, b *bus.Bus, ch <-chan Message, event string, args ...any) Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.Signal(event, args...)
		select {
		case m, ok := <-ch:
			require.True(t, ok, "subscription channel closed")
			return m
		case <-time.After(10 * time.Millisecond):
		}
	}
	require.FailNow(t, "signal never delivered")
	return Message{}
}

func TestWebSocket_InitialThenSignal(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	sub, err := c.Subscribe(bus.EventAuthChange, true)
	require.NoError(t, err)

	first := recv(t, sub.C)
	require.Equal(t, TypeNext, first.Type)
	require.True(t, first.Initial)
	require.Equal(t, bus.EventAuthChange, first.Event)
	args, err := first.DecodeArgs()
	require.NoError(t, err)
	require.Empty(t, args)

	next := signalUntil(t, h.bus, sub.C, bus.EventAuthChange, map[string]any{"loggedIn": true})
	require.False(t, next.Initial)
	args, err = next.DecodeArgs()
	require.NoError(t, err)
	require.Equal(t, []any{map[string]any{"loggedIn": true}}, args)

	require.NoError(t, sub.Complete())
	require.Eventually(t, func() bool {
		return h.bus.ListenerCount(bus.EventAuthChange) == 0 && h.srv.Manager().Active() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocket_NoInitialWaitsForSignal(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	sub, err := c.Subscribe("devChange", false)
	require.NoError(t, err)

	select {
	case m := <-sub.C:
		require.FailNow(t, "unexpected frame before signal", "%+v", m)
	case <-time.After(50 * time.Millisecond):
	}

	m := signalUntil(t, h.bus, sub.C, "devChange", "/src/a.go", "/src/b.go")
	args, err := m.DecodeArgs()
	require.NoError(t, err)
	require.Equal(t, []any{"/src/a.go", "/src/b.go"}, args)
}

func TestWebSocket_ServerCancelSendsComplete(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	sub, err := c.Subscribe("configChange", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.srv.Manager().Active() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.srv.Manager().CancelAll()

	select {
	case _, ok := <-sub.C:
		require.False(t, ok, "expected channel close on complete")
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no complete frame")
	}
}

func TestWebSocket_CloseCancelsSubscriptions(t *testing.T) {
	h := newHarness(t)
	c, err := Dial(context.Background(), h.wsURL(), testLogger())
	require.NoError(t, err)

	_, err = c.Subscribe("a", true)
	require.NoError(t, err)
	_, err = c.Subscribe("b", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.srv.Manager().Active() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.srv.Connections())

	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		return h.srv.Manager().Active() == 0 &&
			h.bus.ListenerCount("a") == 0 &&
			h.bus.ListenerCount("b") == 0 &&
			h.srv.Connections() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocket_MaxSubscriptions(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxSubscriptionsPerConn = 1 })
	c := h.dial(t)

	_, err := c.Subscribe("a", false)
	require.NoError(t, err)
	second, err := c.Subscribe("b", false)
	require.NoError(t, err)

	m := recv(t, second.C)
	require.Equal(t, TypeError, m.Type)
	require.Contains(t, m.Message, "too many subscriptions")
}

func TestWebSocket_ProtocolErrors(t *testing.T) {
	h := newHarness(t)
	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL(), nil)
	require.NoError(t, err)
	defer ws.Close()

	read := func() Message {
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		var m Message
		require.NoError(t, ws.ReadJSON(&m))
		return m
	}

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{nope")))
	require.Equal(t, TypeError, read().Type)

	require.NoError(t, ws.WriteJSON(Message{Type: "bogus", ID: "x"}))
	m := read()
	require.Equal(t, TypeError, m.Type)
	require.Equal(t, "x", m.ID)

	require.NoError(t, ws.WriteJSON(Message{Type: TypeSubscribe, ID: "1"}))
	m = read()
	require.Equal(t, TypeError, m.Type)
	require.Contains(t, m.Message, "requires id and event")

	require.NoError(t, ws.WriteJSON(Message{Type: TypeSubscribe, ID: "1", Event: "bad\nname"}))
	m = read()
	require.Equal(t, TypeError, m.Type)
	require.Equal(t, "invalid event name", m.Message)

	require.NoError(t, ws.WriteJSON(Message{Type: TypeSubscribe, ID: "1", Event: "e"}))
	require.NoError(t, ws.WriteJSON(Message{Type: TypeSubscribe, ID: "1", Event: "e"}))
	m = read()
	require.Equal(t, TypeError, m.Type)
	require.Contains(t, m.Message, "already exists")

	require.NoError(t, ws.WriteJSON(Message{Type: TypePing}))
	require.Equal(t, TypePong, read().Type)
}

func TestClient_Ping(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Ping(ctx)
	require.NoError(t, err)
}

func TestWebSocket_OriginRejected(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AllowedOrigins = []string{"http://localhost:3000"} })

	header := http.Header{"Origin": {"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(), header)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": {"http://localhost:3000"}}
	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL(), header)
	require.NoError(t, err)
	ws.Close()
}

func TestSSE_StreamsValues(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.ts.URL+"/events/toApp?initial=true", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := make(chan string, 8)
	go func() {
		defer close(frames)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, "data: ") {
				frames <- strings.TrimPrefix(line, "data: ")
			}
		}
	}()

	next := func() string {
		select {
		case f := <-frames:
			return f
		case <-time.After(2 * time.Second):
			require.FailNow(t, "no SSE frame")
			return ""
		}
	}
	require.JSONEq(t, `{"initial":true,"args":[]}`, next())

	deadline := time.Now().Add(2 * time.Second)
	var got string
	for got == "" && time.Now().Before(deadline) {
		h.bus.Signal("toApp", "reload")
		select {
		case got = <-frames:
		case <-time.After(10 * time.Millisecond):
		}
	}
	require.JSONEq(t, `{"initial":false,"args":["reload"]}`, got)

	cancel()
	require.Eventually(t, func() bool { return h.srv.Manager().Active() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSSE_RejectsInvalidEventName(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.ts.URL + "/events/x%0Aevent:%20forged%0Adata:%20injected?initial=true")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotContains(t, string(body), "event: forged")
	require.Zero(t, h.srv.Manager().Active())
}

func TestSignalAPI(t *testing.T) {
	h := newHarness(t)

	got := make(chan []any, 4)
	h.bus.On("toLaunchpad", func(args ...any) { got <- args })

	post := func(body string) *http.Response {
		resp, err := http.Post(h.ts.URL+"/api/signal/toLaunchpad", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp
	}

	require.Equal(t, http.StatusAccepted, post(`["a", 1]`).StatusCode)
	require.Equal(t, []any{"a", float64(1)}, <-got)

	require.Equal(t, http.StatusAccepted, post(`{"k":"v"}`).StatusCode)
	require.Equal(t, []any{map[string]any{"k": "v"}}, <-got)

	require.Equal(t, http.StatusAccepted, post(``).StatusCode)
	require.Empty(t, <-got)

	require.Equal(t, http.StatusBadRequest, post(`{broken`).StatusCode)
	require.Empty(t, got)
}

func TestSignalAPI_RejectsInvalidEventName(t *testing.T) {
	h := newHarness(t)

	for _, name := range []string{"a%20b", "x%0Ay", strings.Repeat("n", 129)} {
		resp, err := http.Post(h.ts.URL+"/api/signal/"+name, "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}
}

func TestSignalAPI_UnknownEventsShareOneSeries(t *testing.T) {
	h := newHarness(t)

	before := testutil.CollectAndCount(metrics.SignalsTotal)
	for i := range 200 {
		resp, err := http.Post(fmt.Sprintf("%s/api/signal/rand-%d", h.ts.URL, i), "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	after := testutil.CollectAndCount(metrics.SignalsTotal)

	require.LessOrEqual(t, after, before+1)
	require.Positive(t, testutil.ToFloat64(metrics.SignalsTotal.WithLabelValues(metrics.OtherEvent)))
}

func TestValidEventName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"authChange", true},
		{"app.reload:v2_x-1", true},
		{strings.Repeat("a", 128), true},
		{"", false},
		{strings.Repeat("a", 129), false},
		{"x\ny", false},
		{"x\r", false},
		{"a b", false},
		{"*", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ValidEventName(tt.name), "%q", tt.name)
	}
}

func TestStatusAndEvents(t *testing.T) {
	h := newHarness(t)
	h.srv.Manager().Open("authChange", false)
	h.bus.On("devChange", func(...any) {})

	resp, err := http.Get(h.ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.Equal(t, "ok", st.Status)
	require.Equal(t, 1, st.Subscriptions)
	require.Equal(t, map[string]int{"authChange": 1}, st.ByEvent)
	require.Equal(t, map[string]int{"authChange": 1, "devChange": 1}, st.Listeners)

	resp2, err := http.Get(h.ts.URL + "/api/events")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var ev struct {
		Listeners map[string]int `json:"listeners"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&ev))
	require.Equal(t, 1, ev.Listeners["devChange"])
}

func TestMounts(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Mounts = map[string]http.Handler{
			"/channels": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			}),
		}
	})
	resp, err := http.Get(h.ts.URL + "/channels")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		in   string
		want []any
	}{
		{"", nil},
		{"  ", nil},
		{`[]`, []any{}},
		{`[1,"x",null]`, []any{float64(1), "x", nil}},
		{`"solo"`, []any{"solo"}},
		{`null`, []any{nil}},
	}
	for _, tt := range tests {
		got, err := ParseArgs([]byte(tt.in))
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseArgs([]byte(`{`))
	require.Error(t, err)
}

func TestServe_ShutsDownOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := bus.New(testLogger())
	s := New(Config{Bus: b, Logger: testLogger(), ShutdownTimeout: time.Second})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, ln) }()

	url := "ws://" + ln.Addr().String() + defaultPath
	var c *Client
	require.Eventually(t, func() bool {
		c, err = Dial(context.Background(), url, testLogger())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	sub, err := c.Subscribe("authChange", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Manager().Active() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		require.FailNow(t, "Serve did not return")
	}

	for range sub.C {
	}
	require.Zero(t, s.Manager().Active())
	require.Zero(t, b.ListenerCount("authChange"))
	c.Close()
}
