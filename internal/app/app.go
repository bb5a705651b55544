// internal/app/app.go
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/snapshot-broadcaster/internal/broadcast"
	"github.com/YaganovValera/snapshot-broadcaster/internal/config"
	"github.com/YaganovValera/snapshot-broadcaster/internal/metrics"
	"github.com/YaganovValera/snapshot-broadcaster/internal/poller"
	"github.com/YaganovValera/snapshot-broadcaster/internal/queue"
	"github.com/YaganovValera/snapshot-broadcaster/internal/snapshot"
	"github.com/YaganovValera/snapshot-broadcaster/internal/upstream"
	"github.com/YaganovValera/snapshot-broadcaster/pkg/httpserver"
	"github.com/YaganovValera/snapshot-broadcaster/pkg/logger"
	"github.com/YaganovValera/snapshot-broadcaster/pkg/shutdown"
)

// App wires poller manager, queue, broadcast server and the listeners.
type App struct {
	cfg       *config.Config
	log       *logger.Logger
	queue     meteredQueue
	server    *broadcast.Server
	transport *broadcast.Transport
	pollers   *poller.Manager
	ops       *httpserver.Server
}

// New builds the application and binds the websocket listener. A nil src
// uses the Bitfinex REST client from cfg.Upstream.
func New(cfg *config.Config, src upstream.Source, log *logger.Logger) (*App, error) {
	metrics.Register()

	if src == nil {
		bfx, err := upstream.NewBitfinexClient(cfg.Upstream, nil, log)
		if err != nil {
			return nil, fmt.Errorf("upstream client init: %w", err)
		}
		src = bfx
	}

	a := &App{
		cfg:   cfg,
		log:   log.Named("app"),
		queue: meteredQueue{queue.New[snapshot.Snapshot]()},
	}
	a.pollers = poller.NewManager(cfg.Poller, src, a.queue, nil, log)

	var opts []broadcast.Option
	if cfg.Poller.WatchOnSubscribe {
		pinned := make(map[snapshot.Topic]bool, len(cfg.Upstream.Symbols))
		for _, sym := range cfg.Upstream.Symbols {
			pinned[snapshot.Topic(sym)] = true
		}
		opts = append(opts,
			broadcast.WithFirstSubscriberHook(func(topic snapshot.Topic) {
				a.pollers.Watch(topic)
			}),
			// configured symbols are polled for the life of the process
			broadcast.WithLastSubscriberHook(func(topic snapshot.Topic) {
				if !pinned[topic] {
					a.pollers.Release(topic)
				}
			}),
		)
	}
	a.server = broadcast.NewServer(log, opts...)

	transport, err := broadcast.NewTransport(cfg.Server, a.server, log)
	if err != nil {
		return nil, fmt.Errorf("websocket transport init: %w", err)
	}
	if err := transport.Listen(); err != nil {
		return nil, err
	}
	a.transport = transport

	ops, err := httpserver.New(cfg.HTTP, transport.Ready, log,
		httpserver.WithHandler("/topics", http.HandlerFunc(a.topics)),
		httpserver.WithHandler("/loglevel", log.LevelHandler()),
		httpserver.WithMiddleware(
			httpserver.RequestIDMiddleware(),
			httpserver.RecoverMiddleware(log),
			httpserver.MetricsMiddleware(),
			httpserver.CORSMiddleware(),
		),
	)
	if err != nil {
		_ = transport.Shutdown(context.Background())
		return nil, fmt.Errorf("httpserver init: %w", err)
	}
	a.ops = ops
	return a, nil
}

// Addr is the bound websocket address.
func (a *App) Addr() net.Addr { return a.transport.Addr() }

// Run serves until ctx is cancelled or a listener fails, then shuts down
// in order: pollers, queue, drain, websocket, ops HTTP.
func (a *App) Run(ctx context.Context) error {
	opsCtx, stopOps := context.WithCancel(context.WithoutCancel(ctx))
	defer stopOps()

	g, gctx := errgroup.WithContext(ctx)
	drained := make(chan struct{})

	g.Go(func() error { return a.ops.Start(opsCtx) })
	g.Go(func() error { return a.transport.Serve(gctx) })
	g.Go(func() error {
		defer close(drained)
		a.server.Drain(gctx, a.queue, a.cfg.Server.DrainWorkers)
		return nil
	})

	for _, s := range a.cfg.Upstream.Symbols {
		a.pollers.Watch(snapshot.Topic(s))
	}
	a.log.Info("broadcaster started",
		zap.String("ws_addr", a.Addr().String()),
		zap.Strings("symbols", a.cfg.Upstream.Symbols),
		zap.Bool("watch_on_subscribe", a.cfg.Poller.WatchOnSubscribe),
	)

	g.Go(func() error {
		<-gctx.Done()
		shutdown.Step("pollers", a.pollers.Stop, a.log)
		shutdown.Step("queue", a.queue.Shutdown, a.log)
		shutdown.Step("drain", func() { <-drained }, a.log)
		err := shutdown.Graceful("websocket", a.cfg.Server.ShutdownTimeout, a.transport.Shutdown, a.log)
		stopOps()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.log.Info("broadcaster stopped")
	return nil
}

// Run builds and runs the application until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	a, err := New(cfg, nil, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// topicState is one entry of the /topics ops endpoint.
type topicState struct {
	Topic       snapshot.Topic `json:"topic"`
	Subscribers int            `json:"subscribers"`
	Polled      bool           `json:"polled"`
}

func (a *App) topics(w http.ResponseWriter, _ *http.Request) {
	polled := make(map[snapshot.Topic]bool)
	for _, t := range a.pollers.Watched() {
		polled[t] = true
	}
	seen := make(map[snapshot.Topic]bool)
	out := struct {
		Connections int          `json:"connections"`
		Topics      []topicState `json:"topics"`
	}{Connections: a.server.Connections(), Topics: []topicState{}}

	for _, t := range a.server.Topics() {
		seen[t] = true
		out.Topics = append(out.Topics, topicState{t, a.server.SubscriberCount(t), polled[t]})
	}
	for _, t := range a.pollers.Watched() {
		if !seen[t] {
			out.Topics = append(out.Topics, topicState{Topic: t, Polled: true})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		a.log.Warn("topics: encode failed", zap.Error(err))
	}
}

// meteredQueue keeps the queue depth gauge current on the producer side.
type meteredQueue struct {
	*queue.Queue[snapshot.Snapshot]
}

func (m meteredQueue) Enqueue(s snapshot.Snapshot) {
	m.Queue.Enqueue(s)
	metrics.QueueDepth.Set(float64(m.Len()))
}
