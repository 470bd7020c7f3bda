package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/catalogmatch/internal/matcher"
)

// wsWriteTimeout bounds one event write to a websocket client.
const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// handleMatchWS runs one batch per connection. The client sends a single
// match request as a JSON text message and receives every progress event
// as it happens; the final "done" event carries the outcome. Closing the
// connection early cancels the batch.
func (s *Server) handleMatchWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestBody)

	var req matcher.BatchRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.closeWS(conn, websocket.CloseUnsupportedData, "invalid request: "+err.Error())
		return
	}
	if len(req.Goals) == 0 {
		s.closeWS(conn, websocket.ClosePolicyViolation, matcher.ErrNoGoals.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Nothing more is expected from the client; a read error means it
	// has gone away.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	observer := func(e matcher.Event) {
		if ctx.Err() != nil {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(e); err != nil {
			s.logger.Debug("websocket write failed", "batch_id", e.BatchID, "error", err)
			cancel()
		}
	}

	if _, err := s.RunBatch(ctx, req, observer); err != nil {
		s.logger.Error("match batch failed", "error", err)
		s.closeWS(conn, websocket.CloseInternalServerErr, "match failed")
		return
	}
	s.closeWS(conn, websocket.CloseNormalClosure, "batch complete")
}

func (s *Server) closeWS(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout)); err != nil {
		s.logger.Debug("websocket close failed", "error", err)
	}
}
