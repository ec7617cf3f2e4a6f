package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"evalroom/internal/room"
	"evalroom/pkg/types"
)

// recordingDispatcher captures what the handler forwards to the relay.
type recordingDispatcher struct {
	mu          sync.Mutex
	events      []types.Envelope
	disconnects int
}

func (d *recordingDispatcher) Dispatch(sess room.Session, env types.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, env)
	return nil
}

func (d *recordingDispatcher) Disconnect(sess room.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects++
	return nil
}

func (d *recordingDispatcher) snapshot() ([]types.Envelope, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	events := make([]types.Envelope, len(d.events))
	copy(events, d.events)
	return events, d.disconnects
}

func newTestServer(t *testing.T) (*httptest.Server, *recordingDispatcher) {
	t.Helper()
	dispatcher := &recordingDispatcher{}
	handler := NewHandler(dispatcher, Options{})
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(server.Close)
	return server, dispatcher
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHandler_ForwardsDecodedEvents(t *testing.T) {
	server, dispatcher := newTestServer(t)
	conn := dial(t, server)

	frame := `{"event":"join-room","data":{"room_code":"abcde","display_name":"Ana"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, func() bool {
		events, _ := dispatcher.snapshot()
		return len(events) == 1
	}, "event was not dispatched before deadline")

	events, _ := dispatcher.snapshot()
	if events[0].Event != types.EventJoinRoom {
		t.Errorf("event = %q, want %q", events[0].Event, types.EventJoinRoom)
	}
}

func TestHandler_UndecodableFramesAreSkipped(t *testing.T) {
	server, dispatcher := newTestServer(t)
	conn := dial(t, server)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := `{"event":"stop-activity","data":{"room_code":"ABCDE"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, func() bool {
		events, _ := dispatcher.snapshot()
		return len(events) == 1
	}, "valid event after garbage frame was not dispatched")

	events, _ := dispatcher.snapshot()
	if events[0].Event != types.EventStopActivity {
		t.Errorf("event = %q, want %q", events[0].Event, types.EventStopActivity)
	}
}

func TestHandler_DisconnectNotifiesDispatcherOnce(t *testing.T) {
	server, dispatcher := newTestServer(t)
	conn := dial(t, server)

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	waitFor(t, func() bool {
		_, disconnects := dispatcher.snapshot()
		return disconnects == 1
	}, "disconnect was not dispatched before deadline")
}

func TestHandler_RejectsPlainHTTPRequest(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusSwitchingProtocols {
		t.Error("plain HTTP request must not be upgraded")
	}
}
