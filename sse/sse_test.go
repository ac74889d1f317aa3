package sse

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/subfusc/vakt/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stream struct {
	events chan string
	cancel context.CancelFunc
}

func newTestServer(t *testing.T, restartTimeout int, opts ...func(*Server)) (*Server, *httptest.Server) {
	t.Helper()

	c := config.DefaultConfig()
	c.SSE.RestartTimeout = restartTimeout
	s := NewServer(c, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for _, opt := range opts {
		opt(s)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

// listen connects to /listen and forwards every "event:" name it receives.
func listen(t *testing.T, s *Server, ts *httptest.Server) *stream {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/listen", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	st := &stream{events: make(chan string, 8), cancel: cancel}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer resp.Body.Close()
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				st.events <- name
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return s.Listeners() == 1 }, time.Second, 5*time.Millisecond)
	return st
}

func (st *stream) next(t *testing.T, within time.Duration) string {
	t.Helper()
	select {
	case e := <-st.events:
		return e
	case <-time.After(within):
		return ""
	}
}

func later() time.Time {
	return time.Now().Add(time.Hour)
}

func TestEvent_ToMessage(t *testing.T) {
	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	msg := Event{Type: "build_message", When: when, Data: "Build failed"}.ToMessage()
	assert.Equal(t, "event: build_message\ndata: {\"Message\":\"Build failed\",\"When\":\"2024-03-01T12:00:00Z\"}\n\n", msg)

	data := map[string]any{"restarted": true}
	msg = Event{Type: "server_message", When: when, Data: data}.ToMessage()
	assert.Contains(t, msg, `"restarted":true`)
	assert.NotContains(t, data, "When")
}

func TestServer_DevServerEventIsSentImmediately(t *testing.T) {
	s, ts := newTestServer(t, 10_000)
	st := listen(t, s, ts)

	s.Publish(Event{Type: "server_message", Source: DEV_SERVER, When: later()})
	assert.Equal(t, "server_message", st.next(t, time.Second))
}

func TestServer_WatcherEventIsDelayed(t *testing.T) {
	s, ts := newTestServer(t, 50)
	st := listen(t, s, ts)

	s.Publish(Event{Type: "server_message", Source: WATCHER, When: later()})
	assert.Equal(t, "", st.next(t, 20*time.Millisecond))
	assert.Equal(t, "server_message", st.next(t, time.Second))
}

func TestServer_StartedCancelsDelayedEvent(t *testing.T) {
	s, ts := newTestServer(t, 10_000)
	st := listen(t, s, ts)

	s.Publish(Event{Type: "build_action", Source: WATCHER, When: later()})
	s.Publish(Event{Type: "server_message", Source: DEV_SERVER, When: later()})
	assert.Equal(t, "server_message", st.next(t, time.Second))
	assert.Equal(t, "", st.next(t, 50*time.Millisecond))
}

func TestServer_DropsEventsCloseToConnect(t *testing.T) {
	s, ts := newTestServer(t, 10)
	st := listen(t, s, ts)

	s.Publish(Event{Type: "server_message", Source: DEV_SERVER, When: time.Now()})
	assert.Equal(t, "", st.next(t, 50*time.Millisecond))
}

func TestServer_FansOut(t *testing.T) {
	s, ts := newTestServer(t, 10)
	first := listen(t, s, ts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/listen", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return s.Listeners() == 2 }, time.Second, 5*time.Millisecond)

	s.Publish(Event{Type: "server_message", Source: DEV_SERVER, When: later()})
	assert.Equal(t, "server_message", first.next(t, time.Second))

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: server_message\n", line)
}

func TestServer_Started(t *testing.T) {
	// Every reading of the clock is two seconds after the previous one.
	var (
		mu   sync.Mutex
		tick time.Time
	)
	s, ts := newTestServer(t, 10, func(s *Server) {
		s.now = func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			tick = tick.Add(2 * time.Second)
			return tick
		}
	})
	st := listen(t, s, ts)

	resp, err := ts.Client().Post(ts.URL+"/started", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "server_message", st.next(t, time.Second))
}

func TestServer_ListenerScript(t *testing.T) {
	_, ts := newTestServer(t, 10)

	resp, err := ts.Client().Get(ts.URL + "/listener.js")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, "text/javascript", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), `new EventSource("http://localhost:8888/listen")`)
}

func TestServer_PublishWithoutListeners(t *testing.T) {
	s, _ := newTestServer(t, 10)
	assert.NotPanics(t, func() {
		s.Publish(Event{Type: "server_message", Source: DEV_SERVER})
	})
	assert.Equal(t, 0, s.Listeners())
}

func TestServer_Heartbeat(t *testing.T) {
	s, ts := newTestServer(t, 10, func(s *Server) {
		s.Heartbeat = 10 * time.Millisecond
	})

	resp, err := ts.Client().Get(ts.URL + "/listen")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return s.Listeners() == 1 }, time.Second, 5*time.Millisecond)

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": heartbeat\n", line)
}
