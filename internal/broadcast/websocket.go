// internal/broadcast/websocket.go
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/YaganovValera/snapshot-broadcaster/internal/metrics"
	"github.com/YaganovValera/snapshot-broadcaster/pkg/logger"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config holds websocket listener settings.
type Config struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	Path            string        `mapstructure:"path"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	ReadLimit       int64         `mapstructure:"read_limit"`
	DrainWorkers    int           `mapstructure:"drain_workers"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9002"
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = c.PongTimeout * 9 / 10
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 4096
	}
	if c.DrainWorkers <= 0 {
		c.DrainWorkers = 1
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// Validate checks field consistency after defaults.
func (c Config) Validate() error {
	switch {
	case c.PingInterval >= c.PongTimeout:
		return fmt.Errorf("broadcast: ping_interval (%s) must be below pong_timeout (%s)", c.PingInterval, c.PongTimeout)
	case c.Path[0] != '/':
		return fmt.Errorf("broadcast: path %q must start with /", c.Path)
	default:
		return nil
	}
}

// -----------------------------------------------------------------------------
// Transport
// -----------------------------------------------------------------------------

// Transport accepts websocket connections and feeds them to a Server.
type Transport struct {
	cfg      Config
	srv      *Server
	log      *logger.Logger
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu       sync.Mutex
	ln       net.Listener
	shutdown bool
	conns    sync.WaitGroup
}

// NewTransport validates cfg and prepares the HTTP upgrade handler.
func NewTransport(cfg Config, srv *Server, log *logger.Logger) (*Transport, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Transport{
		cfg: cfg,
		srv: srv,
		log: log.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, t.handleUpgrade)
	t.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return t, nil
}

// Listen binds the configured address. A failure here is fatal for startup.
func (t *Transport) Listen() error {
	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("broadcast: listen %s: %w", t.cfg.ListenAddr, err)
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()
	t.log.Info("websocket listener bound", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address, nil before Listen.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

// Ready reports nil while the listener is bound and not shutting down.
func (t *Transport) Ready() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.ln == nil:
		return errors.New("websocket listener not bound")
	case t.shutdown:
		return errors.New("websocket transport shutting down")
	default:
		return nil
	}
}

// Serve accepts connections until Shutdown. It returns nil after a clean
// shutdown.
func (t *Transport) Serve(ctx context.Context) error {
	ln := t.listener()
	if ln == nil {
		return errors.New("broadcast: Serve called before Listen")
	}

	t.httpSrv.BaseContext = func(net.Listener) context.Context { return context.WithoutCancel(ctx) }
	if err := t.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("broadcast: serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting, closes every live connection with a close
// frame and waits for their goroutines to finish or ctx to expire.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.shutdown = true
	t.mu.Unlock()

	err := t.httpSrv.Shutdown(ctx)
	if ln := t.listener(); ln != nil {
		_ = ln.Close()
	}
	t.srv.CloseAll()

	done := make(chan struct{})
	go func() {
		t.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("broadcast: waiting for connections: %w", ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("broadcast: http shutdown: %w", err)
	}
	return nil
}

func (t *Transport) closing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shutdown
}

func (t *Transport) listener() net.Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ln
}

func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		t.log.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.cfg.WriteTimeout))
		_ = ws.Close()
		return
	}
	t.conns.Add(1)
	t.mu.Unlock()
	defer t.conns.Done()

	t.serveConn(r.Context(), newConn(ws, t.cfg.WriteTimeout))
}

// serveConn runs the reader for one connection until it fails or is closed.
func (t *Transport) serveConn(ctx context.Context, c *conn) {
	ctx = logger.ContextWithConnID(ctx, c.ID())
	log := t.log.WithContext(ctx)

	t.srv.OnOpen(c)
	defer func() {
		t.srv.OnClose(c)
		_ = c.Close()
	}()
	if t.closing() {
		return
	}

	c.ws.SetReadLimit(t.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(t.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(t.cfg.PongTimeout))
	})

	t.conns.Add(1)
	go func() {
		defer t.conns.Done()
		t.keepalive(c)
	}()

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read failed", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			metrics.ProtocolIgnored.Inc()
			continue
		}
		t.srv.OnMessage(c, string(data))
	}
}

func (t *Transport) keepalive(c *conn) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
