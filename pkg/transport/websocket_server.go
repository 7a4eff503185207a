package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sessamekesh/realtime-relay/pkg/proxy"
	utils "github.com/sessamekesh/realtime-relay/pkg/util"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

type WebsocketRelayServerParams struct {
	ListenAddress    string
	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxReadMessageSize  int64
	OutgoingQueueLength int
	PingInterval        time.Duration

	Logger *zap.Logger
}

func checkOrigin(r *http.Request, params WebsocketRelayServerParams) bool {
	origin := r.Header.Get("Origin")
	if utils.Contains(origin, params.DenylistedHosts) {
		return false
	}

	if params.AllowAllHosts {
		return true
	}

	return utils.Contains(origin, params.AllowlistedHosts)
}

// WebsocketRelayServer accepts browser sockets on every path and hands each
// upgraded socket to the relay, which decides whether to keep it.
type WebsocketRelayServer struct {
	upgrader *websocket.Upgrader
	params   WebsocketRelayServerParams
	relay    *proxy.Relay

	server    *http.Server
	serveDone chan struct{}
	handlers  sync.WaitGroup

	mut_listener sync.Mutex
	listener     net.Listener

	log *zap.Logger
}

func CreateWebsocketRelayServer(relay *proxy.Relay, params WebsocketRelayServerParams) (*WebsocketRelayServer, error) {
	if relay == nil {
		return nil, errors.New("websocket relay server requires a relay")
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &WebsocketRelayServer{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params)
			},
		},
		params: params,
		relay:  relay,
		log:    logger.With(zap.String("handler", "WebSocket")),
	}, nil
}

func (ws *WebsocketRelayServer) onWsRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ws.handlers.Add(1)
	defer ws.handlers.Done()

	log := ws.log.With(zap.String("wsConnId", uuid.NewString()[:8]))

	log.Info("New WebSocket request", zap.String("requestUri", r.RequestURI))
	c, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}

	downstream := newWebsocketDownstream(c, websocketDownstreamParams{
		MaxReadMessageSize:  ws.params.MaxReadMessageSize,
		OutgoingQueueLength: ws.params.OutgoingQueueLength,
		PingInterval:        ws.params.PingInterval,
	}, log)

	if err := ws.relay.AcceptConnection(ctx, downstream, requestMetadata(r)); err != nil {
		log.Info("Connection rejected", zap.Error(err))
	}
}

// requestMetadata reports HasPath false when the request target carries no
// path, e.g. an absolute-form target like "ws://host" or an opaque URL.
func requestMetadata(r *http.Request) proxy.RequestMetadata {
	meta := proxy.RequestMetadata{
		UserId:     r.Header.Get("user_id"),
		RemoteAddr: r.RemoteAddr,
	}
	if r.URL != nil && r.URL.Path != "" {
		meta.Path = r.URL.Path
		meta.HasPath = true
	}
	return meta
}

// Listen binds the listen address and begins serving in the background.
// Handlers run until ctx is cancelled or their sockets close.
func (ws *WebsocketRelayServer) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", ws.params.ListenAddress)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws.onWsRequest(ctx, w, r)
	})

	ws.mut_listener.Lock()
	ws.listener = listener
	ws.mut_listener.Unlock()

	ws.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ws.serveDone = make(chan struct{})

	go func() {
		defer close(ws.serveDone)

		ws.log.Sugar().Infof("Starting WebSocket server at %s", listener.Addr())
		if err := ws.server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			ws.log.Error("Unexpected WebSocket server close!", zap.Error(err))
		}
	}()

	return nil
}

// Addr is the bound address; nil before Listen.
func (ws *WebsocketRelayServer) Addr() net.Addr {
	ws.mut_listener.Lock()
	defer ws.mut_listener.Unlock()
	if ws.listener == nil {
		return nil
	}
	return ws.listener.Addr()
}

// Start listens, then blocks until ctx is cancelled and the server has shut
// down.
func (ws *WebsocketRelayServer) Start(ctx context.Context) error {
	if err := ws.Listen(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownRelease()
	ws.log.Info("Attempting to trigger shutdown of WebSocket server")

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		ws.log.Error("Failed to gracefully shut down WebSocket server", zap.Error(err))
		return err
	}
	<-ws.serveDone

	// Shutdown does not track hijacked sockets.
	handlersDone := make(chan struct{})
	go func() {
		ws.handlers.Wait()
		close(handlersDone)
	}()
	select {
	case <-handlersDone:
	case <-shutdownCtx.Done():
		ws.log.Warn("Timed out waiting for relay connections to close")
		return shutdownCtx.Err()
	}

	ws.log.Info("Successfully shutdown WebSocket server")
	return nil
}
