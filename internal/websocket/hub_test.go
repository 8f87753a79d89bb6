package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"chaingate/internal/licensesync"
	"chaingate/internal/shared/testutil"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	metrics, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	require.NoError(t, err)

	hub := NewHub(logger, metrics)
	hub.Start()
	t.Cleanup(hub.Stop)
	return hub
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestHubStartStopIdempotent(t *testing.T) {
	hub := NewHub(nil, nil)
	hub.Start()
	hub.Start()
	hub.Stop()
	hub.Stop()
	assert.Equal(t, 0, hub.ClientCount())

	// broadcasting after stop must not block
	done := make(chan struct{})
	go func() {
		hub.Broadcast(TypeSyncEvent, "late")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a stopped hub")
	}
}

func TestHandler_GreetsWithSnapshot(t *testing.T) {
	hub := newTestHub(t)
	snapshot := func(context.Context) interface{} {
		return licensesync.SyncState{HasLicense: true, UnlockedCapabilities: []string{"bitcoin"}}
	}
	srv := httptest.NewServer(Handler(hub, snapshot))
	defer srv.Close()

	conn := dial(t, srv)

	assert.Equal(t, TypeConnection, readFrame(t, conn).Type)

	greeting := readFrame(t, conn)
	assert.Equal(t, TypeSyncState, greeting.Type)
	var state licensesync.SyncState
	require.NoError(t, json.Unmarshal(greeting.Data, &state))
	assert.True(t, state.HasLicense)
	assert.Equal(t, []string{"bitcoin"}, state.UnlockedCapabilities)
}

func TestHub_PublishSyncEventReachesEveryClient(t *testing.T) {
	hub := newTestHub(t)
	srv := httptest.NewServer(Handler(hub, nil))
	defer srv.Close()

	first := dial(t, srv)
	second := dial(t, srv)
	readFrame(t, first)
	readFrame(t, second)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	hub.PublishSyncEvent(licensesync.Event{
		State:   licensesync.SyncState{HasLicense: false, UnlockedCapabilities: []string{}},
		Changed: true,
	})

	for _, conn := range []*websocket.Conn{first, second} {
		f := readFrame(t, conn)
		assert.Equal(t, TypeSyncEvent, f.Type)

		var ev licensesync.Event
		require.NoError(t, json.Unmarshal(f.Data, &ev))
		assert.True(t, ev.Changed)
		assert.False(t, ev.State.HasLicense)
	}

	assert.Eventually(t, func() bool { return hub.Stats()["messages_sent"] == 2 }, time.Second, 5*time.Millisecond)
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	hub := newTestHub(t)
	srv := httptest.NewServer(Handler(hub, nil))
	defer srv.Close()

	conn := dial(t, srv)
	readFrame(t, conn)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), hub.Stats()["total_connections"])
}

func TestHub_StopClosesClients(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	hub := NewHub(logger, nil)
	hub.Start()
	srv := httptest.NewServer(Handler(hub, nil))
	defer srv.Close()

	conn := dial(t, srv)
	readFrame(t, conn)

	hub.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
