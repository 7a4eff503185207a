package upstream

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sessamekesh/realtime-relay/pkg/errors"
	"github.com/sessamekesh/realtime-relay/pkg/message/realtime"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview-2024-10-01"

	defaultEventBufferLength = 256
	defaultHandshakeTimeout  = 30 * time.Second
	writeTimeout             = 10 * time.Second
)

type ClientParams struct {
	URL              string
	Model            string
	HandshakeTimeout time.Duration

	EventBufferLength int

	// Header is added to every handshake, after the auth headers.
	Header http.Header

	Logger *zap.Logger
}

// Client creates WebSocketSessions that share one dialer and configuration.
type Client struct {
	params     ClientParams
	dialer     *websocket.Dialer
	serializer realtime.EventSerializer
	log        *zap.Logger
}

func CreateClient(params ClientParams) *Client {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	if params.URL == "" {
		params.URL = DefaultURL
	}
	if params.Model == "" {
		params.Model = DefaultModel
	}
	if params.HandshakeTimeout <= 0 {
		params.HandshakeTimeout = defaultHandshakeTimeout
	}
	if params.EventBufferLength <= 0 {
		params.EventBufferLength = defaultEventBufferLength
	}

	return &Client{
		params: params,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: params.HandshakeTimeout,
		},
		log: logger.With(zap.String("handler", "Upstream")),
	}
}

func (c *Client) CreateSession(apiKey string) Session {
	return &WebSocketSession{
		client: c,
		apiKey: apiKey,
		events: make(chan realtime.Event, c.params.EventBufferLength),
		done:   make(chan struct{}),
		log:    c.log,
	}
}

func (c *Client) sessionURL() (string, error) {
	u, err := url.Parse(c.params.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", c.params.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type WebSocketSession struct {
	client *Client
	apiKey string

	mut       sync.Mutex
	conn      *websocket.Conn
	closed    bool
	connected atomic.Bool
	sessionId string

	mut_write sync.Mutex

	events    chan realtime.Event
	done      chan struct{}
	closeOnce sync.Once

	log *zap.Logger
}

func (s *WebSocketSession) Connect(ctx context.Context) error {
	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		return ErrSessionClosed
	}
	if s.conn != nil {
		s.mut.Unlock()
		return ErrAlreadyConnected
	}
	s.mut.Unlock()

	target, err := s.client.sessionURL()
	if err != nil {
		s.Disconnect()
		return &errors.UpstreamConnectError{URL: s.client.params.URL, Err: err}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")
	for key, values := range s.client.params.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}

	conn, resp, err := s.client.dialer.DialContext(ctx, target, header)
	if err != nil {
		s.Disconnect()
		connectErr := &errors.UpstreamConnectError{URL: s.client.params.URL, Err: err}
		if resp != nil {
			connectErr.Status = resp.StatusCode
		}
		return connectErr
	}

	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		conn.Close()
		return ErrSessionClosed
	}
	s.conn = conn
	s.connected.Store(true)
	s.mut.Unlock()

	go s.readLoop(conn)

	return nil
}

func (s *WebSocketSession) Events() <-chan realtime.Event {
	return s.events
}

func (s *WebSocketSession) IsConnected() bool {
	return s.connected.Load()
}

// SessionId is the id reported by the service's session.created event, or
// "" before it arrives.
func (s *WebSocketSession) SessionId() string {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.sessionId
}

func (s *WebSocketSession) Send(eventType string, payload []byte) error {
	if !s.connected.Load() {
		s.mut.Lock()
		closed := s.closed
		s.mut.Unlock()
		if closed {
			return ErrSessionClosed
		}
		return ErrNotConnected
	}

	msg, err := s.client.serializer.Serialize(eventType, payload)
	if err != nil {
		return err
	}

	s.mut_write.Lock()
	defer s.mut_write.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

func (s *WebSocketSession) Disconnect() error {
	var err error
	s.closeOnce.Do(func() {
		s.mut.Lock()
		s.closed = true
		close(s.done)
		conn := s.conn
		s.mut.Unlock()

		if conn == nil {
			// No read loop was started, so nobody else will close events.
			close(s.events)
			return
		}

		s.connected.Store(false)
		s.mut_write.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		s.mut_write.Unlock()
		err = conn.Close()
	})
	return err
}

func (s *WebSocketSession) readLoop(conn *websocket.Conn) {
	defer close(s.events)
	defer s.connected.Store(false)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				s.log.Debug("Upstream read loop stopped after disconnect")
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.log.Info("Upstream session closed by remote", zap.Error(err))
				} else {
					s.log.Warn("Upstream session read failed", zap.Error(err))
				}
				conn.Close()
			}
			return
		}

		event, err := s.client.serializer.Parse(payload)
		if err != nil {
			s.log.Warn("Dropping malformed upstream event", zap.Error(err), zap.Int("size", len(payload)))
			continue
		}

		if event.Type == realtime.EventType_SessionCreated {
			s.mut.Lock()
			s.sessionId = gjson.GetBytes(payload, "session.id").String()
			s.mut.Unlock()
		}

		select {
		case <-s.done:
			return
		case s.events <- *event:
		}
	}
}

var _ Session = (*WebSocketSession)(nil)
var _ SessionFactory = (*Client)(nil)
