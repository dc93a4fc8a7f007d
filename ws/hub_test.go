package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatview/chatview/store"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return &env
}

func TestBroadcastReachesAllObservers(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	a := dialHub(t, srv)
	b := dialHub(t, srv)

	require.Eventually(t, func() bool { return hub.Len() == 2 },
		2*time.Second, 10*time.Millisecond)

	rec := &store.Record{ID: "wamid.1", From: "A", To: "B", Status: store.StatusSent}
	hub.Broadcast("new_message", rec)

	for _, conn := range []*websocket.Conn{a, b} {
		env := readEnvelope(t, conn)
		assert.Equal(t, "new_message", env.Event)
		require.NotNil(t, env.Message)
		assert.Equal(t, "wamid.1", env.Message.ID)
	}
}

func TestBroadcastOrderPerObserver(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	require.Eventually(t, func() bool { return hub.Len() == 1 },
		2*time.Second, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		hub.Broadcast("new_message", &store.Record{ID: string(rune('a' + i))})
	}
	for i := 0; i < 5; i++ {
		env := readEnvelope(t, conn)
		assert.Equal(t, string(rune('a'+i)), env.Message.ID)
	}
}

func TestFailedObserverIsIsolated(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	gone := dialHub(t, srv)
	alive := dialHub(t, srv)

	require.Eventually(t, func() bool { return hub.Len() == 2 },
		2*time.Second, 10*time.Millisecond)

	// hard-close one peer; the hub notices and drops only that one.
	require.NoError(t, gone.Close())
	require.Eventually(t, func() bool { return hub.Len() == 1 },
		2*time.Second, 10*time.Millisecond)

	hub.Broadcast("new_message", &store.Record{ID: "wamid.2"})
	env := readEnvelope(t, alive)
	assert.Equal(t, "wamid.2", env.Message.ID)
}

func TestBroadcastDropsStalledObserver(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	// This peer never reads: its send loop blocks on a full socket,
	// its queue fills, and broadcasting must drop it without touching
	// anyone else.
	dialHub(t, srv)
	alive := dialHub(t, srv)

	require.Eventually(t, func() bool { return hub.Len() == 2 },
		2*time.Second, 10*time.Millisecond)

	got := make(chan string, 64)
	go func() {
		for {
			_, data, err := alive.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) == nil && env.Message != nil {
				got <- env.Message.ID
			}
		}
	}()

	big := json.RawMessage(`{"body":"` + strings.Repeat("x", 1<<20) + `"}`)
	for i := 0; i < 40; i++ {
		hub.Broadcast("new_message", &store.Record{ID: "bulk", Body: big})
	}

	require.Eventually(t, func() bool { return hub.Len() == 1 },
		10*time.Second, 50*time.Millisecond)

	hub.Broadcast("new_message", &store.Record{ID: "wamid.after"})
	require.Eventually(t, func() bool {
		for {
			select {
			case id := <-got:
				if id == "wamid.after" {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCloseAllEmptiesHub(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	dialHub(t, srv)
	dialHub(t, srv)
	require.Eventually(t, func() bool { return hub.Len() == 2 },
		2*time.Second, 10*time.Millisecond)

	hub.CloseAll()
	assert.Zero(t, hub.Len())
}

func TestUnregisterIdempotent(t *testing.T) {
	hub := NewHub()
	hub.unregister("never-registered")
	assert.Zero(t, hub.Len())
}

func TestEnqueueBounded(t *testing.T) {
	o := &Observer{dataChan: make(chan []byte, 1)}
	assert.True(t, o.enqueue([]byte("a")))
	assert.False(t, o.enqueue([]byte("b"))) // queue full, never blocks

	o.closing = true
	assert.False(t, o.enqueue([]byte("c")))
}
