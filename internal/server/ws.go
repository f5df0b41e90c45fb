package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/stt-service/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// The service fronts internal clients; origin policy is delegated to the
	// deployment's ingress.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream implements the /v1/stream endpoint: a bidirectional WebSocket
// carrying the streaming transcription protocol. Text frames are JSON
// session messages ({"config": ...} or {"audio_chunk": ...}); binary frames
// are treated as raw audio chunks. Responses are sent as JSON text frames.
func (h *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	sess, runCtx := h.sessionMgr.Create(r.Context())
	defer h.sessionMgr.Remove(sess.ID)

	logger := h.logger.With(slog.String("session_id", sess.ID))
	logger.Info("Streaming connection established",
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)

	in := make(chan session.Message)
	go sess.Run(runCtx, in)

	// Writer: forward session responses until the session terminates
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for response := range sess.Responses() {
			if err := conn.WriteJSON(response); err != nil {
				logger.Warn("Failed to write response", slog.String("error", err.Error()))
				return
			}
		}
		// Session ended; tell the client before the connection drops
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteMessage(websocket.CloseMessage, closeMsg)
	}()

	// Reader: decode inbound frames into session messages
readLoop:
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("WebSocket read error", slog.String("error", err.Error()))
			}
			break
		}

		var msg session.Message
		switch messageType {
		case websocket.BinaryMessage:
			msg = session.Message{AudioChunk: data}
		case websocket.TextMessage:
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Warn("Invalid streaming message", slog.String("error", err.Error()))
				break readLoop
			}
		default:
			continue
		}

		select {
		case in <- msg:
		case <-writerDone:
			// Session terminated (error response already sent); stop reading
			break readLoop
		case <-runCtx.Done():
			break readLoop
		}
	}

	close(in)
	<-writerDone

	logger.Info("Streaming connection closed")
}
