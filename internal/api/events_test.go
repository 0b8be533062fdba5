package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
)

func dialEvents(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial %s failed: %v (resp: %+v)", url, err, resp)
	}
	if resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) models.ConversationEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt models.ConversationEvent
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	return evt
}

func TestEventStreamDeliversLiveEvents(t *testing.T) {
	srv, clock, _ := newTestServer(t)
	saveScenario(t, srv, "sc_ws")
	view := createSession(t, srv, CreateSessionRequest{ScenarioID: "sc_ws"})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	conn := dialEvents(t, ts, "/sessions/"+view.ID+"/events")

	w := doRequest(t, srv, http.MethodPost, "/sessions/"+view.ID+"/play", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("play status = %d", w.Code)
	}
	clock.Advance(1100 * time.Millisecond)

	// started, typing at 0ms, sent at 1000ms.
	evt := readEvent(t, conn)
	if evt.Type != models.EventConversationStarted {
		t.Errorf("first event = %s, want conversation.started", evt.Type)
	}
	evt = readEvent(t, conn)
	if evt.Type != models.EventMessageTypingStarted {
		t.Errorf("second event = %s, want message.typing_started", evt.Type)
	}
	evt = readEvent(t, conn)
	if evt.Type != models.EventMessageSent || evt.MessageIndex != 0 {
		t.Errorf("third event = %s (index %d), want message.sent index 0", evt.Type, evt.MessageIndex)
	}
}

func TestEventStreamJournalReplay(t *testing.T) {
	srv, clock, _ := newTestServer(t)
	saveScenario(t, srv, "sc_wsreplay")
	view := createSession(t, srv, CreateSessionRequest{ScenarioID: "sc_wsreplay", AutoPlay: true})

	// Run to completion before any client connects.
	clock.Advance(5 * time.Second)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	conn := dialEvents(t, ts, "/sessions/"+view.ID+"/events?from=1")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var row models.SessionEvent
	if err := conn.ReadJSON(&row); err != nil {
		t.Fatalf("failed to read journal row: %v", err)
	}
	if row.Seq != 1 {
		t.Errorf("first replayed seq = %d, want 1", row.Seq)
	}
	if row.Type != models.EventConversationStarted {
		t.Errorf("first replayed type = %s, want conversation.started", row.Type)
	}

	// Replay from a later sequence number skips the earlier rows.
	conn2 := dialEvents(t, ts, "/sessions/"+view.ID+"/events?from=3")
	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn2.ReadJSON(&row); err != nil {
		t.Fatalf("failed to read journal row: %v", err)
	}
	if row.Seq != 3 {
		t.Errorf("replayed seq = %d, want 3", row.Seq)
	}
}

func TestEventStreamRejectsBadFromParam(t *testing.T) {
	srv, _, _ := newTestServer(t)
	saveScenario(t, srv, "sc_wsbad")
	view := createSession(t, srv, CreateSessionRequest{ScenarioID: "sc_wsbad"})

	w := doRequest(t, srv, http.MethodGet, "/sessions/"+view.ID+"/events?from=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad from param status = %d, want 400", w.Code)
	}
}

func TestEventStreamUnknownSession(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/sessions/nope/events", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
