package proxy

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sessamekesh/realtime-relay/pkg/message/realtime"
	"github.com/sessamekesh/realtime-relay/pkg/upstream"
	"github.com/tidwall/gjson"
)

const testTimeout = 5 * time.Second

type stubDownstream struct {
	messages chan []byte
	sent     chan []byte

	closeCount atomic.Int32
}

func newStubDownstream() *stubDownstream {
	return &stubDownstream{
		messages: make(chan []byte),
		sent:     make(chan []byte, 64),
	}
}

func (d *stubDownstream) Messages() <-chan []byte { return d.messages }

func (d *stubDownstream) Send(data []byte) error {
	d.sent <- data
	return nil
}

func (d *stubDownstream) Close() error {
	d.closeCount.Add(1)
	return nil
}

// deliver hands msg to the connection; it returns once Run has received it.
func (d *stubDownstream) deliver(t *testing.T, msg string) {
	t.Helper()
	select {
	case d.messages <- []byte(msg):
	case <-time.After(testTimeout):
		t.Fatalf("connection never read downstream message %q", msg)
	}
}

func (d *stubDownstream) nextSent(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-d.sent:
		return string(msg)
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a downstream frame")
	}
	return ""
}

type sentEvent struct {
	Type    string
	Payload []byte
}

type stubSession struct {
	connectResult chan error
	events        chan realtime.Event
	sent          chan sentEvent

	connected       atomic.Bool
	connectCalls    atomic.Int32
	disconnectCalls atomic.Int32
	closeEvents     sync.Once
}

func newStubSession() *stubSession {
	return &stubSession{
		connectResult: make(chan error, 1),
		events:        make(chan realtime.Event, 64),
		sent:          make(chan sentEvent, 64),
	}
}

func (s *stubSession) Connect(ctx context.Context) error {
	s.connectCalls.Add(1)
	select {
	case err := <-s.connectResult:
		if err == nil {
			s.connected.Store(true)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stubSession) Events() <-chan realtime.Event { return s.events }

func (s *stubSession) Send(eventType string, payload []byte) error {
	if !s.connected.Load() {
		return upstream.ErrNotConnected
	}
	s.sent <- sentEvent{Type: eventType, Payload: payload}
	return nil
}

func (s *stubSession) IsConnected() bool { return s.connected.Load() }

func (s *stubSession) Disconnect() error {
	s.disconnectCalls.Add(1)
	s.connected.Store(false)
	s.closeEvents.Do(func() { close(s.events) })
	return nil
}

func (s *stubSession) emit(eventType string) {
	s.events <- realtime.Event{Type: eventType, Raw: []byte(`{"type":"` + eventType + `"}`)}
}

func (s *stubSession) emitRaw(eventType, eventId string, raw string) {
	s.events <- realtime.Event{Type: eventType, EventId: eventId, Raw: []byte(raw)}
}

// remoteClose simulates the service ending the session.
func (s *stubSession) remoteClose() {
	s.connected.Store(false)
	s.closeEvents.Do(func() { close(s.events) })
}

func (s *stubSession) nextSent(t *testing.T) sentEvent {
	t.Helper()
	select {
	case ev := <-s.sent:
		return ev
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for an upstream send")
	}
	return sentEvent{}
}

func (s *stubSession) nextSentId(t *testing.T) string {
	t.Helper()
	return gjson.GetBytes(s.nextSent(t).Payload, "id").String()
}

type countingFactory struct {
	calls   atomic.Int32
	apiKeys chan string
	session *stubSession
}

func newCountingFactory(session *stubSession) *countingFactory {
	return &countingFactory{apiKeys: make(chan string, 8), session: session}
}

func (f *countingFactory) CreateSession(apiKey string) upstream.Session {
	f.calls.Add(1)
	f.apiKeys <- apiKey
	return f.session
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("connection did not finish")
	}
}
