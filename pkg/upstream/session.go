// Package upstream connects to a realtime speech/event API over WebSocket.
//
// A Session is created unconnected, so listeners can be armed before Connect
// is called. Events yields every server-originated event in arrival order and
// is closed once the session ends, which doubles as the close notification.
package upstream

import (
	"context"
	"errors"

	"github.com/sessamekesh/realtime-relay/pkg/message/realtime"
)

var (
	ErrNotConnected     = errors.New("upstream session is not connected")
	ErrAlreadyConnected = errors.New("upstream session is already connected")
	ErrSessionClosed    = errors.New("upstream session is closed")
)

type Session interface {
	// Connect dials the realtime service. It may be called at most once.
	Connect(ctx context.Context) error

	// Events is closed when the session ends, whether by Disconnect, a
	// remote close, a read failure, or a failed Connect.
	Events() <-chan realtime.Event

	// Send stamps eventType onto payload (a JSON object) and writes it.
	Send(eventType string, payload []byte) error

	IsConnected() bool

	// Disconnect is safe to call more than once and before Connect.
	Disconnect() error
}

type SessionFactory interface {
	CreateSession(apiKey string) Session
}

type SessionFactoryFunc func(apiKey string) Session

func (f SessionFactoryFunc) CreateSession(apiKey string) Session {
	return f(apiKey)
}
