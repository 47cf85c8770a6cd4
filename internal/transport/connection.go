package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
)

const (
	// maxMessageSize bounds inbound frames; offer and trade lists can be large.
	maxMessageSize = 4 << 20
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
	sendBuffer     = 256
)

// connection is one websocket epoch. Pending requests belong to the
// connection they were sent on and fail together with it.
type connection struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	pending map[string]chan []byte
}

func newConnection(ws *websocket.Conn) *connection {
	return &connection{
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		pending: make(map[string]chan []byte),
	}
}

// close ends the epoch: waiters on done fail with connection_lost.
func (cn *connection) close() {
	cn.once.Do(func() {
		cn.mu.Lock()
		n := len(cn.pending)
		cn.pending = make(map[string]chan []byte)
		cn.mu.Unlock()
		if n > 0 {
			slog.Debug("transport: failing pending requests", "count", n)
		}
		close(cn.done)
	})
}

func (cn *connection) closed() bool {
	select {
	case <-cn.done:
		return true
	default:
		return false
	}
}

func (cn *connection) register(id string) (chan []byte, error) {
	if cn.closed() {
		return nil, errConnectionLost()
	}
	ch := make(chan []byte, 1)
	cn.mu.Lock()
	cn.pending[id] = ch
	cn.mu.Unlock()
	return ch, nil
}

// resolve hands data to the request waiting on id. It reports false when no
// request is waiting.
func (cn *connection) resolve(id string, data []byte) bool {
	cn.mu.Lock()
	ch, ok := cn.pending[id]
	delete(cn.pending, id)
	cn.mu.Unlock()
	if ok {
		ch <- data
	}
	return ok
}

func (cn *connection) forget(id string) {
	cn.mu.Lock()
	delete(cn.pending, id)
	cn.mu.Unlock()
}

func (cn *connection) enqueue(ctx context.Context, data []byte) error {
	select {
	case cn.send <- data:
		return nil
	case <-cn.done:
		return errConnectionLost()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writePump writes frames and pings to the websocket connection.
func (cn *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cn.ws.Close()
	}()

	for {
		select {
		case msg := <-cn.send:
			cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cn.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Warn("websocket write error", "error", err)
				cn.close()
				return
			}

		case <-ticker.C:
			cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				cn.close()
				return
			}

		case <-cn.done:
			cn.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// readPump reads frames until the connection fails, handing each to handle.
func (cn *connection) readPump(handle func([]byte)) {
	cn.ws.SetReadLimit(maxMessageSize)
	cn.ws.SetReadDeadline(time.Now().Add(pongWait))
	cn.ws.SetPongHandler(func(string) error {
		cn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			if !cn.closed() && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "error", err)
			}
			return
		}

		// Reset read deadline on activity
		cn.ws.SetReadDeadline(time.Now().Add(pongWait))

		handle(data)
	}
}

func errConnectionLost() error {
	return nodeerr.New(nodeerr.KindTransport, nodeerr.ReasonConnectionLost, "connection to node lost")
}
