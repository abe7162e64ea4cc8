package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/protocol"
)

const (
	maxMessageSize    = 8 << 10
	disconnectTimeout = 5 * time.Second
)

// handleWS upgrades a rider or driver connection and serves its messages
// until the socket closes.
func (s *Server) handleWS(role dispatch.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied with an HTTP error
			s.logger.Warn("ws upgrade failed", "role", role, "id", id, "error", err)
			return
		}
		sess := s.Hub.Add(role, id, conn)
		caller := gateway.Caller{Role: role, ID: id}
		s.logger.Info("ws connected", "role", role, "id", id)

		s.Gateway.Greet(r.Context(), caller, s.Hub)
		s.serveSession(r.Context(), conn, sess, caller)
	}
}

func (s *Server) serveSession(ctx context.Context, conn *websocket.Conn, sess *dispatch.WSSession, caller gateway.Caller) {
	defer func() {
		_ = conn.Close()
		if !s.Hub.Remove(sess) {
			// replaced by a newer connection for the same party
			return
		}
		s.logger.Info("ws disconnected", "role", caller.Role, "id", caller.ID)
		if caller.Role != dispatch.RoleDriver {
			return
		}
		dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if err := s.Matcher.Disconnect(dctx, caller.ID); err != nil {
			s.logger.Error("driver disconnect cleanup failed", "driver_id", caller.ID, "error", err)
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("ws read failed", "role", caller.Role, "id", caller.ID, "error", err)
			}
			return
		}

		var reply protocol.Event
		if msg, err := protocol.DecodeInbound(data); err != nil {
			reply = protocol.ErrorEvent(err)
		} else {
			reply = s.Gateway.Handle(ctx, caller, msg)
		}
		if reply == nil {
			continue
		}
		if err := sess.Send(reply); err != nil {
			s.logger.Debug("ws reply failed", "role", caller.Role, "id", caller.ID, "error", err)
			return
		}
	}
}
