package ws

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var (
	errTransportClosed = errors.New("transport closed")
	errSlowConsumer    = errors.New("send buffer full")
)

const sendBuffer = 64

// transport wraps one websocket connection behind the conn.Transport
// contract: a buffered send channel drained by a single writePump
// goroutine, so Send never blocks past the enqueue point. A full buffer is
// a send error, which upstream converts into eviction of the slow client.
type transport struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newTransport(ws *websocket.Conn) *transport {
	t := &transport{
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	go t.writePump()
	return t
}

func (t *transport) writePump() {
	defer t.ws.Close()
	for {
		select {
		case <-t.done:
			return
		case msg := <-t.send:
			if err := t.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				t.shut()
				return
			}
		}
	}
}

func (t *transport) Send(data []byte) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	select {
	case t.send <- data:
		return nil
	case <-t.done:
		return errTransportClosed
	default:
		return errSlowConsumer
	}
}

func (t *transport) Close() error {
	t.shut()
	return nil
}

func (t *transport) IsOpen() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *transport) shut() {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.ws.Close()
	})
}
