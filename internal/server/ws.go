package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/fluxproxy/fluxproxy/internal/proxy"
	"go.uber.org/zap"
)

// wsConn guards writes to one WebSocket connection. The protocol does
// not allow concurrent writers, so every sender goes through the mutex.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) sendText(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, []byte(text))
}

// handleChatSocket upgrades the connection and runs one chat session
// for its lifetime. The session state is owned here, per connection;
// closing the socket clears the session's liveness flag and joins its
// worker before the handler returns.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The dashboard is served from this same process; local tools
		// may connect from any origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("chat socket accept failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	wc := &wsConn{conn: conn}
	session := proxy.NewSession(s.engine, wc.sendText, s.logger)
	defer session.Close()

	s.logger.Info("chat session opened")
	for {
		typ, data, err := conn.Read(r.Context())
		if err != nil {
			s.logger.Info("chat session closed", zap.Error(err))
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		session.HandleMessage(data)
	}
}

// handleDashboardSocket registers the connection with the broadcaster
// and holds it open until the client goes away. Dashboard clients only
// listen; inbound frames are drained and discarded.
func (s *Server) handleDashboardSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("dashboard socket accept failed", zap.Error(err))
		return
	}

	wc := &wsConn{conn: conn}
	s.broadcaster.Add(wc)
	defer s.broadcaster.Remove(wc)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
}
