package api

import (
	"net/http"
	"time"

	"clob-agent/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamFrame is one message pushed to stream clients.
type streamFrame struct {
	Event events.Event `json:"event"`
	Data  any          `json:"data"`
}

var streamTopics = []events.Event{
	events.EventOrderUpdate,
	events.EventOrderFill,
	events.EventFeedState,
	events.EventReconciled,
	events.EventSpreadCancel,
}

// stream pushes order, feed and guard events over a websocket until the
// client goes away.
func (s *Server) stream(c *gin.Context) {
	if s.deps.Bus == nil {
		respondError(c, http.StatusServiceUnavailable, "STREAM_UNAVAILABLE", "event bus not configured")
		return
	}
	frames := make(chan streamFrame, 256)
	done := make(chan struct{})
	for _, topic := range streamTopics {
		ch, unsub := s.deps.Bus.Subscribe(topic, 64)
		defer unsub()
		go func(topic events.Event, ch <-chan any) {
			for payload := range ch {
				select {
				case frames <- streamFrame{Event: topic, Data: payload}:
				case <-done:
					return
				}
			}
		}(topic, ch)
	}
	defer close(done)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Reader detects the client closing the socket.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case f := <-frames:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(f); err != nil {
				s.logger.Debug("ws write failed", zap.Error(err))
				return
			}
		}
	}
}
