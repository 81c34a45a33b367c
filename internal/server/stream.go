package server

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rzp-labs/kernelhost/internal/kernel"
	v1 "github.com/rzp-labs/kernelhost/pkg/api/v1"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	// streamBuffer is how many chunks may queue between the kernel and
	// the socket before the kernel-side forwarder has to wait.
	streamBuffer = 64
)

// wsWriter serializes frames from the chunk relay, the keepalive ticker
// and the final result onto one connection.
type wsWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsWriter) writeJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(v)
}

func (w *wsWriter) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// handleExecuteStream runs one execution over a WebSocket. The client
// sends a single execute request; the server streams chunk frames as
// output arrives and finishes with one result or error frame. The client
// going away cancels the execution.
func (s *Server) handleExecuteStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	w := &wsWriter{conn: conn}

	var req v1.ExecuteRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = w.writeJSON(v1.ErrorMessage{Type: "error", Error: "invalid request: " + err.Error()})
		return
	}
	if err := validateExecuteRequest(&req); err != nil {
		_ = w.writeJSON(v1.ErrorMessage{Type: "error", Error: err.Error()})
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Reads past the request only feed the pong handler and detect the
	// peer closing, which cancels the execution.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("websocket read ended", zap.Error(err))
				}
				return
			}
		}
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.ping(); err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()

	output := make(chan kernel.OutputChunk, streamBuffer)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		for chunk := range output {
			if err := w.writeJSON(v1.OutputChunkMessage{Type: "chunk", Stream: chunk.Name, Text: chunk.Text}); err != nil {
				s.logger.Debug("websocket chunk write failed", zap.Error(err))
				cancel()
				// Keep draining so the executor never blocks on us.
			}
		}
	}()

	res, err := s.svc.Execute(ctx, req, output)
	// Execute returning means no more sends; settle the relay.
	close(output)
	<-relayDone

	if err != nil {
		s.logger.Error("streamed execution failed", zap.Error(err))
		_ = w.writeJSON(v1.ErrorMessage{Type: "error", Error: err.Error()})
		return
	}
	_ = w.writeJSON(v1.ResultMessage{Type: "result", Result: res})
}
