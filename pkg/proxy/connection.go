package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/sessamekesh/realtime-relay/internal"
	"github.com/sessamekesh/realtime-relay/pkg/message/realtime"
	"github.com/sessamekesh/realtime-relay/pkg/upstream"
	"go.uber.org/zap"
)

type ConnectionState = internal.ConnectionState

const (
	ConnectionState_Pending            = internal.ConnectionState_Pending
	ConnectionState_UpstreamConnecting = internal.ConnectionState_UpstreamConnecting
	ConnectionState_Active             = internal.ConnectionState_Active
	ConnectionState_Closed             = internal.ConnectionState_Closed
)

// Downstream is the browser-facing leg of a connection.
type Downstream interface {
	// Messages yields inbound payloads in arrival order and is closed when
	// the socket closes.
	Messages() <-chan []byte

	// Send queues one outbound text frame.
	Send(data []byte) error

	Close() error
}

const maxLoggedPayloadSize = 512

type ConnectionParams struct {
	Id         uint32
	Downstream Downstream
	Upstream   upstream.Session

	// Store mirrors state and message timestamps when set.
	Store *internal.ConnectionStore

	// ConnectTimeout bounds the upstream connect attempt. Zero waits
	// indefinitely.
	ConnectTimeout time.Duration

	// SessionDefaults, when non-empty, is sent upstream as a session.update
	// once connected and before any queued message.
	SessionDefaults map[string]any

	GetNowTimestamp func() int64

	Logger *zap.Logger
}

// Connection pairs one downstream socket with one upstream session. All of
// its mutable state is owned by the goroutine running Run.
type Connection struct {
	params ConnectionParams

	state ConnectionState
	queue ConnectionQueue

	serializer realtime.EventSerializer

	cancelConnect       context.CancelFunc
	onceDisconnect      sync.Once
	onceCloseDownstream sync.Once

	log *zap.Logger
}

func CreateConnection(params ConnectionParams) *Connection {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.GetNowTimestamp == nil {
		params.GetNowTimestamp = func() int64 { return time.Now().UnixMicro() }
	}

	return &Connection{
		params: params,
		state:  ConnectionState_Pending,
		log:    logger.With(zap.Uint32("connectionId", params.Id)),
	}
}

// State is owned by Run; read it only once Run has returned.
func (c *Connection) State() ConnectionState {
	return c.state
}

func (c *Connection) setState(state ConnectionState) {
	c.log.Debug("Connection state change", zap.Stringer("from", c.state), zap.Stringer("to", state))
	c.state = state
	if c.params.Store != nil {
		if err := c.params.Store.SetState(c.params.Id, state, c.params.GetNowTimestamp()); err != nil {
			c.log.Warn("Failed to record connection state", zap.Error(err))
		}
	}
}

// Run connects upstream and relays events in both directions until either
// leg closes, the upstream connect fails, or ctx is cancelled.
func (c *Connection) Run(ctx context.Context) {
	var connectCtx context.Context
	var cancelConnect context.CancelFunc
	if c.params.ConnectTimeout > 0 {
		connectCtx, cancelConnect = context.WithTimeout(ctx, c.params.ConnectTimeout)
	} else {
		connectCtx, cancelConnect = context.WithCancel(ctx)
	}
	c.cancelConnect = cancelConnect
	defer cancelConnect()

	c.setState(ConnectionState_UpstreamConnecting)

	connectResult := make(chan error, 1)
	go func() {
		c.log.Info("Connecting to upstream")
		connectResult <- c.params.Upstream.Connect(connectCtx)
	}()

	downstreamMessages := c.params.Downstream.Messages()

	// Stays nil until the session is connected; a nil channel never fires.
	var upstreamEvents <-chan realtime.Event

	for {
		select {
		case <-ctx.Done():
			c.log.Info("Relay shutting down, closing connection")
			c.closeDownstream()
			c.disconnectUpstream()
			c.setState(ConnectionState_Closed)
			return

		case err := <-connectResult:
			connectResult = nil
			if err != nil {
				c.log.Error("Error connecting to upstream", zap.Error(err))
				c.closeDownstream()
				c.disconnectUpstream()
				c.setState(ConnectionState_Closed)
				return
			}

			c.log.Info("Connected to upstream successfully")
			c.setState(ConnectionState_Active)
			upstreamEvents = c.params.Upstream.Events()
			c.sendSessionDefaults()
			if drained := c.queue.Drain(c.forwardToUpstream); drained > 0 {
				c.log.Info("Drained queued downstream messages", zap.Int("count", drained))
			}

		case msg, ok := <-downstreamMessages:
			if !ok {
				c.log.Info("Downstream socket closed, disconnecting upstream")
				c.disconnectUpstream()
				c.setState(ConnectionState_Closed)
				return
			}
			c.recordDownstreamMessage()

			if c.state == ConnectionState_Active {
				c.forwardToUpstream(msg)
				continue
			}
			if err := c.queue.Push(msg); err != nil {
				c.log.Error("Failed to queue downstream message", zap.Error(err))
			}

		case event, ok := <-upstreamEvents:
			if !ok {
				c.log.Info("Upstream session closed, closing downstream socket")
				c.closeDownstream()
				c.disconnectUpstream()
				c.setState(ConnectionState_Closed)
				return
			}
			c.forwardToDownstream(event)
		}
	}
}

func (c *Connection) sendSessionDefaults() {
	if len(c.params.SessionDefaults) == 0 {
		return
	}

	payload, err := c.serializer.SessionUpdate(c.params.SessionDefaults)
	if err != nil {
		c.log.Error("Failed to build session defaults", zap.Error(err))
		return
	}
	if err := c.params.Upstream.Send(realtime.EventType_SessionUpdate, payload); err != nil {
		c.log.Error("Failed to send session defaults", zap.Error(err))
		return
	}
	c.log.Info("Sent session defaults to upstream")
}

func (c *Connection) forwardToUpstream(msg []byte) {
	event, err := c.serializer.Parse(msg)
	if err != nil {
		c.log.Error("Error parsing event from client",
			zap.Error(err),
			zap.ByteString("payload", truncatePayload(msg)))
		return
	}

	c.log.Debug("Relaying event to upstream", zap.String("type", event.Type), zap.String("eventId", event.EventId))
	if err := c.params.Upstream.Send(event.Type, event.Raw); err != nil {
		c.log.Error("Failed to relay event to upstream", zap.String("type", event.Type), zap.Error(err))
	}
}

func (c *Connection) forwardToDownstream(event realtime.Event) {
	c.recordUpstreamEvent()

	c.log.Debug("Relaying event to client", zap.String("type", event.Type), zap.String("eventId", event.EventId))
	switch {
	case event.Type == realtime.EventType_Error:
		c.log.Warn("Upstream error event", zap.String("eventId", event.EventId), zap.ByteString("payload", event.Raw))
	case realtime.IsDiagnostic(event.Type):
		c.log.Info("Upstream diagnostic event", zap.String("type", event.Type), zap.ByteString("payload", event.Raw))
	}

	if err := c.params.Downstream.Send(event.Raw); err != nil {
		c.log.Warn("Failed to relay event to client", zap.String("type", event.Type), zap.Error(err))
	}
}

func (c *Connection) disconnectUpstream() {
	c.onceDisconnect.Do(func() {
		if c.cancelConnect != nil {
			c.cancelConnect()
		}
		if err := c.params.Upstream.Disconnect(); err != nil {
			c.log.Debug("Upstream disconnect returned error", zap.Error(err))
		}
	})
}

func (c *Connection) closeDownstream() {
	c.onceCloseDownstream.Do(func() {
		if err := c.params.Downstream.Close(); err != nil {
			c.log.Debug("Downstream close returned error", zap.Error(err))
		}
	})
}

func (c *Connection) recordDownstreamMessage() {
	if c.params.Store == nil {
		return
	}
	c.params.Store.SetDownstreamRecvTimestamp(c.params.Id, c.params.GetNowTimestamp())
}

func (c *Connection) recordUpstreamEvent() {
	if c.params.Store == nil {
		return
	}
	c.params.Store.SetUpstreamRecvTimestamp(c.params.Id, c.params.GetNowTimestamp())
}

func truncatePayload(msg []byte) []byte {
	if len(msg) <= maxLoggedPayloadSize {
		return msg
	}
	return msg[:maxLoggedPayloadSize]
}
