package events

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxInbound = 4096
)

// SocketObserver streams envelopes over a websocket connection.
type SocketObserver struct {
	*queue
	conn *websocket.Conn
}

func NewSocketObserver(conn *websocket.Conn, runID string, buffer int) *SocketObserver {
	return &SocketObserver{queue: newQueue(runID, buffer), conn: conn}
}

func (o *SocketObserver) Close() error {
	o.queue.close()
	return nil
}

// Serve runs the read and write pumps and returns once the peer goes away
// or the observer is closed. The connection is closed on return.
func (o *SocketObserver) Serve() {
	go o.readPump()
	o.writePump()
}

// readPump only drains control frames; feed clients send nothing.
func (o *SocketObserver) readPump() {
	defer o.queue.close()
	o.conn.SetReadLimit(maxInbound)
	_ = o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (o *SocketObserver) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = o.conn.Close()
	}()

	for {
		select {
		case <-o.done:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = o.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-o.out:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				o.queue.close()
				return
			}
		case <-ticker.C:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				o.queue.close()
				return
			}
		}
	}
}
