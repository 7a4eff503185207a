package proxy

import (
	"context"
	"time"

	"github.com/sessamekesh/realtime-relay/internal"
	"github.com/sessamekesh/realtime-relay/pkg/errors"
	"github.com/sessamekesh/realtime-relay/pkg/upstream"
	utils "github.com/sessamekesh/realtime-relay/pkg/util"
	"go.uber.org/zap"
)

const (
	DefaultListenEndpoint = "/"

	defaultStallCheckInterval = 15 * time.Second
)

type RelayConfig struct {
	// ApiKey is the credential every upstream session is created with. It is
	// never logged beyond a short prefix.
	ApiKey string

	Sessions upstream.SessionFactory

	// ListenEndpoint is the only request path accepted. Defaults to "/".
	ListenEndpoint string

	// MaxConnections caps concurrently open connections. Zero means no cap.
	MaxConnections int

	ConnectTimeout time.Duration

	// StallDeadline is how long a connection may sit in upstream-connecting
	// before Start logs it as stalled. Zero disables the check.
	StallDeadline      time.Duration
	StallCheckInterval time.Duration

	SessionDefaults map[string]any

	Logger *zap.Logger
}

// RequestMetadata describes the request that opened a downstream socket.
type RequestMetadata struct {
	Path       string
	HasPath    bool
	UserId     string
	RemoteAddr string
}

type Relay struct {
	config RelayConfig

	store     *internal.ConnectionStore
	startTime time.Time

	log *zap.Logger
}

func CreateRelay(config RelayConfig) (*Relay, error) {
	if config.ApiKey == "" {
		return nil, &errors.InvalidConfigError{FieldName: "ApiKey", Reason: "must not be empty"}
	}
	if config.Sessions == nil {
		return nil, &errors.InvalidConfigError{FieldName: "Sessions", Reason: "must not be nil"}
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	if config.ListenEndpoint == "" {
		config.ListenEndpoint = DefaultListenEndpoint
	}
	if config.StallCheckInterval <= 0 {
		config.StallCheckInterval = defaultStallCheckInterval
	}

	return &Relay{
		config:    config,
		store:     internal.CreateConnectionStore(config.MaxConnections),
		startTime: time.Now(),
		log:       logger.With(zap.String("handler", "RealtimeRelay")),
	}, nil
}

func (r *Relay) getNowTime() int64 {
	return time.Since(r.startTime).Microseconds()
}

func (r *Relay) ConnectionCount() int {
	return r.store.Count()
}

// AcceptConnection validates the request behind downstream and, if it is
// acceptable, relays it to a fresh upstream session until either side
// closes. Rejected sockets are closed before any session is created, and the
// rejection reason is returned.
func (r *Relay) AcceptConnection(ctx context.Context, downstream Downstream, meta RequestMetadata) error {
	log := r.log.With(zap.String("remoteAddr", meta.RemoteAddr))
	log.Info("Received connection", zap.String("userId", meta.UserId))

	if !meta.HasPath || meta.Path == "" {
		log.Warn("No path provided, closing connection")
		downstream.Close()
		return &errors.MissingPathError{}
	}

	if meta.Path != r.config.ListenEndpoint {
		log.Warn("Invalid path, closing connection", zap.String("path", meta.Path))
		downstream.Close()
		return &errors.InvalidPathError{Path: meta.Path, ExpectedPath: r.config.ListenEndpoint}
	}

	connectionId := r.store.GetNewConnectionId()
	if err := r.store.CreateConnection(connectionId, meta.RemoteAddr, r.getNowTime()); err != nil {
		log.Warn("Refusing connection", zap.Error(err))
		downstream.Close()
		return err
	}
	defer r.store.RemoveConnection(connectionId)

	log = log.With(zap.Uint32("connectionId", connectionId))
	log.Info("Creating upstream session", zap.String("apiKey", utils.RedactSecret(r.config.ApiKey)))
	session := r.config.Sessions.CreateSession(r.config.ApiKey)

	connection := CreateConnection(ConnectionParams{
		Id:              connectionId,
		Downstream:      downstream,
		Upstream:        session,
		Store:           r.store,
		ConnectTimeout:  r.config.ConnectTimeout,
		SessionDefaults: r.config.SessionDefaults,
		GetNowTimestamp: r.getNowTime,
		Logger:          log,
	})

	log.Info("Handing off to relay connection")
	connection.Run(ctx)

	downstreamMessages, upstreamEvents, _ := r.store.GetMessageCounts(connectionId)
	log.Info("Relay connection finished",
		zap.Stringer("state", connection.State()),
		zap.Uint64("downstreamMessages", downstreamMessages),
		zap.Uint64("upstreamEvents", upstreamEvents))

	return nil
}

// Start watches for connections stuck waiting on upstream until ctx is
// cancelled.
func (r *Relay) Start(ctx context.Context) error {
	if r.config.StallDeadline <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(r.config.StallCheckInterval)
	defer ticker.Stop()

	r.log.Info("Starting stalled connection sweeper", zap.Duration("stallDeadline", r.config.StallDeadline))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.reportStalledConnections()
		}
	}
}

func (r *Relay) reportStalledConnections() []uint32 {
	deadline := r.getNowTime() - r.config.StallDeadline.Microseconds()
	stalled := r.store.GetStalledConnectionList(deadline)
	for _, connectionId := range stalled {
		r.log.Warn("Connection stalled awaiting upstream",
			zap.Uint32("connectionId", connectionId),
			zap.Duration("stallDeadline", r.config.StallDeadline))
	}
	return stalled
}
