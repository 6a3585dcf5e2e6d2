// Package node assembles a running SOCP server: the WebSocket listener that
// peers and users share, the status and metrics endpoints, the gRPC health
// service, the periodic timers and the bootstrap peer links.
package node

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"socp/pkg/auth"
	"socp/pkg/config"
	"socp/pkg/membership"
	"socp/pkg/metrics"
	"socp/pkg/protocol"
	"socp/pkg/router"
	"socp/pkg/state"
	"socp/pkg/transport"
	"socp/pkg/types"
)

// HealthService is the service name reported by the admin health server in
// addition to the overall "" entry.
const HealthService = "socp.Server"

const shutdownTimeout = 5 * time.Second

type Node struct {
	cfg      *config.Config
	clock    clock.Clock
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	dir      *state.Directory
	router   *router.Router
	disp     *protocol.Dispatcher
	upgrader *transport.Upgrader
	connOpts transport.Options

	serverTLS *tls.Config
	clientTLS *tls.Config

	httpServer *http.Server
	admin      *grpc.Server
	health     *health.Server

	mu    sync.Mutex
	conns map[transport.Conn]struct{}
	wg    sync.WaitGroup
}

type Option func(*Node)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clk clock.Clock) Option {
	return func(n *Node) { n.clock = clk }
}

// New wires a node from cfg and its signing key. cfg must have passed
// Validate; an empty server id is filled in.
func New(cfg *config.Config, priv *rsa.PrivateKey, logger *zap.Logger, opts ...Option) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{
		cfg:      cfg,
		clock:    clock.New(),
		registry: prometheus.NewRegistry(),
		conns:    make(map[transport.Conn]struct{}),
		health:   health.NewServer(),
	}
	for _, opt := range opts {
		opt(n)
	}

	serverID := cfg.EnsureServerID()
	n.logger = logger.With(zap.String("server_id", serverID))
	n.metrics = metrics.New(n.registry)

	tlsBuilder, err := auth.NewTLSConfigBuilder(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	if n.serverTLS, err = tlsBuilder.BuildServerConfig(); err != nil {
		return nil, fmt.Errorf("failed to build server TLS config: %w", err)
	}
	if n.clientTLS, err = tlsBuilder.BuildClientConfig(); err != nil {
		return nil, fmt.Errorf("failed to build client TLS config: %w", err)
	}

	n.dir = state.NewDirectory(serverID, cfg.SeenCacheSize, cfg.SeenTTL.Std())
	n.router = router.New(n.dir, priv, router.Config{
		LivenessWindow: cfg.HeartbeatTimeout.Std(),
		MaxForwardHops: cfg.MaxForwardHops,
	}, n.clock, n.metrics, n.logger)

	advertise, err := advertiseAddr(cfg)
	if err != nil {
		return nil, err
	}
	n.disp, err = protocol.New(n.dir, n.router, membership.NewManager(), priv,
		protocol.Config{Advertise: advertise}, n.metrics, n.logger)
	if err != nil {
		return nil, err
	}

	n.connOpts = transport.DefaultOptions()
	n.connOpts.MaxFrameSize = int64(cfg.MaxFrameSize)
	n.upgrader = transport.NewUpgrader(n.connOpts, n.logger)

	return n, nil
}

func (n *Node) ServerID() string { return n.dir.ServerID() }

// Dispatcher exposes the protocol core, mainly for tests.
func (n *Node) Dispatcher() *protocol.Dispatcher { return n.disp }

// Handler serves the WebSocket endpoint at "/" along with /status and
// /metrics.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", n.handleStatus)
	mux.Handle("/metrics", metrics.Handler(n.registry))
	mux.HandleFunc("/", n.handleWebSocket)
	return mux
}

func (n *Node) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r)
	if err != nil {
		n.logger.Debug("Rejected upgrade", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	n.logger.Debug("Connection accepted",
		zap.String("conn_id", conn.ID()),
		zap.String("remote", conn.RemoteAddr()))
	n.serveConn(conn)
}

func (n *Node) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(n.disp.Snapshot()); err != nil {
		n.logger.Warn("Failed to write status", zap.Error(err))
	}
}

// serveConn pumps frames from conn into the dispatcher until the link
// ends, then unregisters it.
func (n *Node) serveConn(conn *transport.WSConn) {
	if !n.track(conn) {
		_ = conn.Close()
		return
	}
	defer n.untrack(conn)

	err := conn.ReadLoop(func(frame []byte) {
		n.disp.HandleFrame(conn, frame)
	})
	if err != nil {
		n.logger.Debug("Connection ended", zap.String("conn_id", conn.ID()), zap.Error(err))
	}
	n.disp.HandleClose(conn)
}

// Connect dials a peer and starts the join handshake. The link is served in
// the background; the returned conn reports when it ends.
func (n *Node) Connect(ctx context.Context, url string) (transport.Conn, error) {
	conn, err := transport.Dial(ctx, url, n.clientTLS, n.connOpts, n.logger)
	if err != nil {
		return nil, err
	}
	if err := n.disp.Join(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to send join: %w", err)
	}
	n.logger.Info("Dialed peer", zap.String("url", url))

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.serveConn(conn)
	}()
	return conn, nil
}

// track records conn for shutdown. It reports false once shutdown started.
func (n *Node) track(conn transport.Conn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conns == nil {
		return false
	}
	n.conns[conn] = struct{}{}
	return true
}

func (n *Node) untrack(conn transport.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, conn)
}

// Run listens on the configured address and runs until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.ListenAddress, err)
	}
	if n.serverTLS != nil {
		ln = tls.NewListener(ln, n.serverTLS)
	}

	var adminLn net.Listener
	if n.cfg.AdminAddress != "" {
		adminLn, err = net.Listen("tcp", n.cfg.AdminAddress)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to listen on admin address %s: %w", n.cfg.AdminAddress, err)
		}
		n.admin = grpc.NewServer()
		healthpb.RegisterHealthServer(n.admin, n.health)
	}

	n.httpServer = &http.Server{
		Handler:           n.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n.logger.Info("Server listening",
			zap.String("address", ln.Addr().String()),
			zap.Bool("tls", n.serverTLS != nil))
		if err := n.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listener failed: %w", err)
		}
		return nil
	})

	if n.admin != nil {
		g.Go(func() error {
			n.logger.Info("Admin health service listening", zap.String("address", adminLn.Addr().String()))
			if err := n.admin.Serve(adminLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("admin server failed: %w", err)
			}
			return nil
		})
	}
	n.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	n.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)

	g.Go(func() error {
		n.runTimers(ctx)
		return nil
	})

	for _, peer := range n.cfg.BootstrapPeers {
		peer := peer
		g.Go(func() error {
			n.maintainPeer(ctx, peer)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return n.Close()
	})

	return g.Wait()
}

// Close stops the listeners and closes every open link.
func (n *Node) Close() error {
	n.health.Shutdown()

	var errs error
	if n.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		errs = multierr.Append(errs, n.httpServer.Shutdown(ctx))
		cancel()
	}
	if n.admin != nil {
		n.admin.GracefulStop()
	}

	n.mu.Lock()
	conns := n.conns
	n.conns = nil
	n.mu.Unlock()
	for conn := range conns {
		errs = multierr.Append(errs, conn.Close())
	}

	n.wg.Wait()
	n.logger.Info("Server stopped", zap.Int("closed_links", len(conns)))
	return errs
}

func advertiseAddr(cfg *config.Config) (types.ServerAddr, error) {
	addr := types.ServerAddr{Host: cfg.AdvertiseHost, Port: cfg.AdvertisePort}
	if addr.Host != "" && addr.Port != 0 {
		return addr, nil
	}

	host, port, err := net.SplitHostPort(cfg.ListenAddress)
	if err != nil {
		return addr, fmt.Errorf("invalid listen address %q: %w", cfg.ListenAddress, err)
	}
	if addr.Host == "" {
		addr.Host = host
		if addr.Host == "" || addr.Host == "0.0.0.0" || addr.Host == "::" {
			addr.Host = "127.0.0.1"
		}
	}
	if addr.Port == 0 {
		p, err := strconv.Atoi(port)
		if err != nil {
			return addr, fmt.Errorf("invalid listen port %q: %w", port, err)
		}
		addr.Port = p
	}
	return addr, nil
}
