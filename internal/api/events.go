package api

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// handleEvents upgrades to a websocket and streams lifecycle events until the
// observer disconnects, falls behind, or the server closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe()
	defer sub.Close()
	s.log.Info().Str("remote", r.RemoteAddr).Msg("observer connected")

	// Observers never send anything meaningful; reading is only how close
	// frames and dead peers are noticed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				s.closeConn(conn, websocket.ClosePolicyViolation, "observer too slow")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			s.log.Info().Str("remote", r.RemoteAddr).Msg("observer disconnected")
			return
		case <-s.closing:
			s.closeConn(conn, websocket.CloseGoingAway, "bridge shutting down")
			return
		}
	}
}

func (s *Server) closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// checkOrigin admits non-browser clients, same-host pages and the configured
// GUI origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}
