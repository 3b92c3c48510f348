package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/license"
	"licensegate/internal/shared/testutil"
)

type harness struct {
	hub    *Hub
	server *httptest.Server
	cancel context.CancelFunc
}

func newHarness(t *testing.T, origins ...string) *harness {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	hub := NewHub(logger, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(NewHandler(hub, origins, logger))
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
		server.Close()
	})
	return &harness{hub: hub, server: server, cancel: cancel}
}

func (h *harness) dial(t *testing.T, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func (h *harness) connect(t *testing.T, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := h.dial(t, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.hub.Clients() == want },
		2*time.Second, 10*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) license.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var e license.Event
	require.NoError(t, json.Unmarshal(data, &e))
	return e
}

func TestHub_BroadcastsToAllClients(t *testing.T) {
	h := newHarness(t)
	first := h.connect(t, 1)
	second := h.connect(t, 2)

	h.hub.Publish(license.Event{
		Type:    license.EventActivationRequired,
		Kind:    "license_expired",
		Message: "license expired",
		Time:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})

	for _, conn := range []*websocket.Conn{first, second} {
		e := readEvent(t, conn)
		assert.Equal(t, license.EventActivationRequired, e.Type)
		assert.Equal(t, "license_expired", e.Kind)
		assert.Equal(t, "license expired", e.Message)
	}
}

func TestHub_ReplaysPendingBrowserURL(t *testing.T) {
	h := newHarness(t)
	h.hub.Publish(license.Event{Type: license.EventBrowserURL, BrowserURL: "https://portal.example/activate/abc"})

	conn := h.connect(t, 1)
	e := readEvent(t, conn)
	assert.Equal(t, license.EventBrowserURL, e.Type)
	assert.Equal(t, "https://portal.example/activate/abc", e.BrowserURL)
}

func TestHub_PendingURLClearedOnCompletion(t *testing.T) {
	tests := []struct {
		name string
		end  license.EventType
	}{
		{"completed", license.EventActivationComplete},
		{"failed", license.EventActivationFailed},
		{"proceeded", license.EventProceed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, _ := testutil.NewTestLogger(t)
			hub := NewHub(logger, nil)
			hub.Publish(license.Event{Type: license.EventBrowserURL, BrowserURL: "https://portal.example/a"})
			require.NotNil(t, hub.pendingURL())

			hub.Publish(license.Event{Type: tt.end})
			assert.Nil(t, hub.pendingURL())
		})
	}
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	hub := NewHub(logger, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < broadcastBuffer+10; i++ {
			hub.Publish(license.Event{Type: license.EventLicenseReset})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked without a running hub")
	}
	assert.True(t, logs.ContainsMessage("Event dropped"))
}

func TestHub_DropsSlowClient(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	hub := NewHub(logger, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-hub.Done()
	}()
	go hub.Run(ctx)

	slow := &Client{hub: hub, send: make(chan []byte), id: "slow"}
	require.True(t, hub.Register(slow))
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(license.Event{Type: license.EventLicenseReset})

	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-slow.send
	assert.False(t, open)
	assert.True(t, logs.ContainsMessage("Client too slow"))
}

func TestHub_UnregisterOnDisconnect(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, 1)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()

	assert.Eventually(t, func() bool { return h.hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, 1)

	h.cancel()
	<-h.hub.Done()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	assert.False(t, h.hub.Register(&Client{hub: h.hub, send: make(chan []byte, 1)}))
}

func TestHandler_CheckOrigin(t *testing.T) {
	h := newHarness(t, "http://127.0.0.1:8765")

	tests := []struct {
		name   string
		origin string
		wantOK bool
	}{
		{"no origin", "", true},
		{"allowed origin", "http://127.0.0.1:8765", true},
		{"foreign origin", "https://evil.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := h.dial(t, header)
			if resp != nil && resp.Body != nil {
				defer resp.Body.Close()
			}
			if tt.wantOK {
				require.NoError(t, err)
				assert.NotNil(t, conn)
				return
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}
