package ari

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/callcore/breaker"
	"github.com/carebridge/callcore/config"
	"github.com/carebridge/callcore/internal/arirest"
	"github.com/carebridge/callcore/ports"
)

// fakeSignaling simulates the telephony server: REST commands plus the
// event WebSocket.
type fakeSignaling struct {
	upgrader websocket.Upgrader

	mu        sync.Mutex
	ws        *websocket.Conn
	restCalls []string
	failREST  bool
}

func newFakeSignaling(t *testing.T) (*fakeSignaling, *httptest.Server) {
	f := &fakeSignaling{}
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		ws, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.ws = ws
		f.mu.Unlock()
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.restCalls = append(f.restCalls, r.Method+" "+r.URL.Path)
		fail := f.failREST
		f.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "boom"})
			return
		}
		switch r.URL.Path {
		case "/bridges":
			_ = json.NewEncoder(w).Encode(arirest.Bridge{ID: "bridge-1"})
		case "/channels/externalMedia":
			_ = json.NewEncoder(w).Encode(arirest.Channel{ID: "media-1"})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeSignaling) push(t *testing.T, v any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		ws := f.ws
		f.mu.Unlock()
		if ws != nil {
			require.NoError(t, ws.WriteJSON(v))
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("event socket never connected")
}

func (f *fakeSignaling) dropSocket() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ws != nil {
		_ = f.ws.Close()
		f.ws = nil
	}
}

type recordingHandler struct {
	mu       sync.Mutex
	events   []Event
	lostErrs []error
}

func (h *recordingHandler) HandleTelephonyEvent(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) ControlLost(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lostErrs = append(h.lostErrs, err)
}

func (h *recordingHandler) snapshot() ([]Event, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	evs := make([]Event, len(h.events))
	copy(evs, h.events)
	return evs, len(h.lostErrs)
}

func testSetup(t *testing.T) (*fakeSignaling, *Client, *recordingHandler, *ports.Allocator) {
	fake, srv := newFakeSignaling(t)

	cfg := config.Default()
	cfg.ARIBaseURL = srv.URL
	cfg.ARIWSURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	cfg.ReconnectBackoff = 10 * time.Millisecond
	cfg.ReconnectAttempts = 2
	cfg.BreakerThreshold = 3
	cfg.BreakerReset = time.Minute

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	allocator, err := ports.NewAllocator(21000, 21010)
	require.NoError(t, err)

	handler := &recordingHandler{}
	client, err := Connect(context.Background(), cfg, logger, allocator, handler)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return fake, client, handler, allocator
}

func TestEventsAreDecodedAndDispatched(t *testing.T) {
	fake, _, handler, _ := testSetup(t)

	fake.push(t, map[string]any{
		"type":    "StasisStart",
		"channel": map[string]any{"id": "chan-1", "state": "Ring"},
	})
	fake.push(t, map[string]any{
		"type":    "ChannelDtmfReceived",
		"digit":   "5",
		"channel": map[string]any{"id": "chan-1"},
	})
	fake.push(t, map[string]any{
		"type":    "ChannelDestroyed",
		"cause":   16,
		"channel": map[string]any{"id": "chan-1"},
	})

	var evs []Event
	require.Eventually(t, func() bool {
		evs, _ = handler.snapshot()
		return len(evs) == 3
	}, 2*time.Second, 10*time.Millisecond)

	up, ok := evs[0].(ChannelUp)
	require.True(t, ok)
	require.Equal(t, "chan-1", up.Chan.ID)

	dtmf, ok := evs[1].(DTMF)
	require.True(t, ok)
	require.Equal(t, "5", dtmf.Digit)

	gone, ok := evs[2].(ChannelGone)
	require.True(t, ok)
	require.Equal(t, 16, gone.Cause)
}

func TestUnknownAndMalformedEventsAreDropped(t *testing.T) {
	fake, _, handler, _ := testSetup(t)

	fake.push(t, map[string]any{"type": "BridgeVideoSourceChanged"})
	fake.push(t, map[string]any{
		"type":    "ChannelStateChange",
		"channel": map[string]any{"id": "chan-1", "state": "Up"},
	})

	require.Eventually(t, func() bool {
		evs, _ := handler.snapshot()
		return len(evs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	evs, _ := handler.snapshot()
	sc, ok := evs[0].(StateChanged)
	require.True(t, ok)
	require.Equal(t, "Up", sc.State)
}

func TestBridgeWithExternalMediaHappyPath(t *testing.T) {
	fake, client, _, allocator := testSetup(t)

	binding, err := client.BridgeWithExternalMedia(context.Background(), "call-1", "chan-1")
	require.NoError(t, err)
	require.Equal(t, "bridge-1", binding.BridgeID)
	require.Equal(t, "media-1", binding.MediaChannelID)

	res, leased := allocator.Leased(binding.Port)
	require.True(t, leased)
	require.Equal(t, "call-1", res.CallID)

	fake.mu.Lock()
	calls := fake.restCalls
	fake.mu.Unlock()
	require.Contains(t, calls, "POST /bridges")
	require.Contains(t, calls, "POST /channels/externalMedia")
}

func TestBridgeFailureReleasesPort(t *testing.T) {
	fake, client, _, allocator := testSetup(t)

	fake.mu.Lock()
	fake.failREST = true
	fake.mu.Unlock()

	_, err := client.BridgeWithExternalMedia(context.Background(), "call-1", "chan-1")
	require.Error(t, err)
	require.Equal(t, 0, allocator.InUse())
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	fake, client, _, _ := testSetup(t)

	fake.mu.Lock()
	fake.failREST = true
	fake.mu.Unlock()

	for i := 0; i < 3; i++ {
		require.Error(t, client.Answer(context.Background(), "chan-1"))
	}
	require.Equal(t, breaker.Open, client.Breaker())

	// Now fails fast without reaching the server.
	fake.mu.Lock()
	before := len(fake.restCalls)
	fake.mu.Unlock()

	require.ErrorIs(t, client.Answer(context.Background(), "chan-1"), breaker.ErrOpen)

	fake.mu.Lock()
	after := len(fake.restCalls)
	fake.mu.Unlock()
	require.Equal(t, before, after)
}

func TestControlLossNotifiesHandlerAndReconnects(t *testing.T) {
	fake, _, handler, _ := testSetup(t)

	fake.push(t, map[string]any{
		"type":    "ChannelStateChange",
		"channel": map[string]any{"id": "chan-1", "state": "Up"},
	})
	require.Eventually(t, func() bool {
		evs, _ := handler.snapshot()
		return len(evs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	fake.dropSocket()

	require.Eventually(t, func() bool {
		_, lost := handler.snapshot()
		return lost == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The client reconnects in the background and keeps dispatching.
	fake.push(t, map[string]any{
		"type":    "ChannelStateChange",
		"channel": map[string]any{"id": "chan-2", "state": "Up"},
	})
	require.Eventually(t, func() bool {
		evs, _ := handler.snapshot()
		return len(evs) == 2
	}, 3*time.Second, 10*time.Millisecond)
}
