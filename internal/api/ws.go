package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-replay/internal/metrics"
	"github.com/technosupport/ts-replay/internal/middleware"
	"github.com/technosupport/ts-replay/internal/notify"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsQueueSize  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // token auth, not cookies
	},
}

// wsHello is the first frame on every connection so clients can render state
// before the next notification arrives.
type wsHello struct {
	Kind   string `json:"kind"`
	Status any    `json:"status"`
}

// GET /replay/ws streams every notification as a JSON text frame, in emission order.
// A client that falls wsQueueSize notifications behind is disconnected.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] WS: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	reqID := middleware.RequestID(r.Context())
	metrics.WSClients.Inc()
	defer metrics.WSClients.Dec()
	log.Printf("[INFO] WS: client connected req=%s", reqID)

	queue := make(chan notify.Notification, wsQueueSize)
	overflow := make(chan struct{})
	var overflowed bool
	unsubscribe := s.cfg.Player.Subscribe(func(n notify.Notification) {
		if overflowed {
			return
		}
		select {
		case queue <- n:
		default:
			overflowed = true
			close(overflow)
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(v); err != nil {
			log.Printf("[WARN] WS: write failed req=%s: %v", reqID, err)
			return false
		}
		return true
	}

	if !write(wsHello{Kind: "hello", Status: s.cfg.Player.Status()}) {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case n := <-queue:
			if !write(n) {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-overflow:
			log.Printf("[WARN] WS: client too slow, disconnecting req=%s", reqID)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "notification queue overflow"),
				time.Now().Add(wsWriteWait))
			return
		case <-closed:
			log.Printf("[INFO] WS: client disconnected req=%s", reqID)
			return
		case <-r.Context().Done():
			return
		}
	}
}
