package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrDownstreamClosed = errors.New("downstream socket is closed")

const writeTimeout = 10 * time.Second

type websocketDownstreamParams struct {
	MaxReadMessageSize  int64
	OutgoingQueueLength int
	PingInterval        time.Duration
}

// websocketDownstream adapts a browser socket to proxy.Downstream. A read
// pump feeds Messages and a write pump owns every data frame write, so frames
// leave in the order Send was called.
type websocketDownstream struct {
	conn   *websocket.Conn
	params websocketDownstreamParams

	messages chan []byte
	outgoing chan []byte

	closing   chan struct{}
	closeOnce sync.Once

	log *zap.Logger
}

func newWebsocketDownstream(conn *websocket.Conn, params websocketDownstreamParams, log *zap.Logger) *websocketDownstream {
	if params.OutgoingQueueLength <= 0 {
		params.OutgoingQueueLength = 64
	}

	d := &websocketDownstream{
		conn:     conn,
		params:   params,
		messages: make(chan []byte),
		outgoing: make(chan []byte, params.OutgoingQueueLength),
		closing:  make(chan struct{}),
		log:      log,
	}

	if params.MaxReadMessageSize > 0 {
		conn.SetReadLimit(params.MaxReadMessageSize)
	}
	if params.PingInterval > 0 {
		pongWait := 2 * params.PingInterval
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	go d.readPump()
	go d.writePump()

	return d
}

func (d *websocketDownstream) Messages() <-chan []byte {
	return d.messages
}

func (d *websocketDownstream) Send(data []byte) error {
	select {
	case <-d.closing:
		return ErrDownstreamClosed
	default:
	}

	select {
	case <-d.closing:
		return ErrDownstreamClosed
	case d.outgoing <- data:
		return nil
	}
}

// Close flushes frames already passed to Send, then sends a close frame and
// closes the socket.
func (d *websocketDownstream) Close() error {
	d.closeOnce.Do(func() {
		close(d.closing)
	})
	return nil
}

func (d *websocketDownstream) readPump() {
	defer close(d.messages)
	defer d.Close()

	expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}
	for {
		_, payload, err := d.conn.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, expectedCloseErrors...):
				closeError, ok := err.(*websocket.CloseError)
				if ok {
					d.log.Info("Received close request from client", zap.Int("closeCode", closeError.Code), zap.String("closeMsg", closeError.Text))
				} else {
					d.log.Info("Received close request from client")
				}
			case errors.Is(err, net.ErrClosed):
				d.log.Debug("Stopped reading, socket closed by relay")
			case websocket.IsUnexpectedCloseError(err, expectedCloseErrors...):
				d.log.Warn("Received unexpected close from client", zap.Error(err))
			default:
				d.log.Warn("Unexpected WebSocket error on message read", zap.Error(err))
			}
			return
		}

		select {
		case d.messages <- payload:
		case <-d.closing:
			return
		}
	}
}

func (d *websocketDownstream) writePump() {
	defer d.conn.Close()

	var ping <-chan time.Time
	if d.params.PingInterval > 0 {
		ticker := time.NewTicker(d.params.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-d.closing:
			d.flush()
			d.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		case msg := <-d.outgoing:
			if err := d.write(msg); err != nil {
				d.log.Warn("Failed to write to client socket", zap.Error(err))
				d.Close()
				return
			}
		case <-ping:
			if err := d.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				d.log.Warn("Failed to ping client socket", zap.Error(err))
				d.Close()
				return
			}
		}
	}
}

func (d *websocketDownstream) flush() {
	for {
		select {
		case msg := <-d.outgoing:
			if err := d.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (d *websocketDownstream) write(msg []byte) error {
	if err := d.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return d.conn.WriteMessage(websocket.TextMessage, msg)
}
