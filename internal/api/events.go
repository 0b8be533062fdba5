package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
)

const (
	// eventBufferSize bounds the per-socket outbound queue. The engine's bus
	// must never block on a slow client, so overflow closes the socket.
	eventBufferSize = 256
	// writeTimeout bounds a single websocket write.
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is a local control surface; cross-origin demo frontends are fine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventsHandler streams a session's playback events over a websocket.
// With ?from=seq, journaled events from that sequence number onward are
// replayed before the live stream begins.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var fromSeq int64 = -1
	if raw := r.URL.Query().Get("from"); raw != "" {
		fromSeq, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || fromSeq < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid from sequence number"))
			return
		}
	}

	// Subscribe before replaying the journal so no live event is lost in the
	// gap; duplicates across the boundary are possible and carry seq-free
	// payloads the client can de-duplicate by offset.
	queue := make(chan models.ConversationEvent, eventBufferSize)
	overflow := make(chan struct{}, 1)
	unsub, err := sess.Orchestrator().Subscribe(func(evt models.ConversationEvent) {
		select {
		case queue <- evt:
		default:
			select {
			case overflow <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		writeError(w, err)
		return
	}
	defer unsub()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Server.eventsHandler: websocket upgrade failed", "error", err, "session_id", sess.ID)
		return
	}
	defer conn.Close()
	slog.Debug("Event stream attached", "session_id", sess.ID, "from_seq", fromSeq)

	if fromSeq >= 0 {
		rows, err := s.st.GetSessionEvents(sess.ID, fromSeq)
		if err != nil {
			slog.Error("Server.eventsHandler: journal replay failed", "error", err, "session_id", sess.ID)
			return
		}
		for _, row := range rows {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(row); err != nil {
				slog.Debug("Event stream closed during journal replay", "session_id", sess.ID)
				return
			}
		}
	}

	// Reader goroutine: clients send no data, but reading is required to
	// observe close frames.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt := <-queue:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				slog.Debug("Event stream write failed, closing", "session_id", sess.ID)
				return
			}
		case <-overflow:
			slog.Warn("Event stream fell behind, closing", "session_id", sess.ID)
			return
		case <-closed:
			slog.Debug("Event stream closed by client", "session_id", sess.ID)
			return
		}
	}
}
