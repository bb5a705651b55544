// internal/broadcast/server.go
package broadcast

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/snapshot-broadcaster/internal/codec"
	"github.com/YaganovValera/snapshot-broadcaster/internal/metrics"
	"github.com/YaganovValera/snapshot-broadcaster/internal/registry"
	"github.com/YaganovValera/snapshot-broadcaster/internal/snapshot"
	"github.com/YaganovValera/snapshot-broadcaster/pkg/logger"
)

const (
	subscribePrefix = "subscribe:"
	replyPrefix     = "Subscribed to "
)

// Subscriber is the server's handle on one open connection.
type Subscriber interface {
	ID() string
	SendText(text string) error
	SendBinary(frame []byte) error
	Close() error
}

// Server owns the subscription registry and fans snapshots out to it.
// It is transport agnostic: the websocket layer calls OnOpen, OnMessage
// and OnClose from each connection's reader goroutine.
type Server struct {
	log    *logger.Logger
	subs   *registry.Registry[Subscriber]
	clock  clockwork.Clock
	tracer trace.Tracer

	mu    sync.Mutex
	conns map[string]Subscriber

	// membership changes and their hooks run one at a time
	memberMu sync.Mutex
	onFirst  func(snapshot.Topic)
	onLast   func(snapshot.Topic)

	compress func([]byte) ([]byte, error)
}

// Option customises a Server.
type Option func(*Server)

// WithClock overrides the clock used for delivery latency.
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithFirstSubscriberHook registers fn to run when a topic gains its first
// subscriber. fn runs on the subscribing connection's reader goroutine with
// membership locked: it must not block or call back into the Server.
func WithFirstSubscriberHook(fn func(snapshot.Topic)) Option {
	return func(s *Server) { s.onFirst = fn }
}

// WithLastSubscriberHook registers fn to run when a topic loses its last
// subscriber. Same constraints as WithFirstSubscriberHook.
func WithLastSubscriberHook(fn func(snapshot.Topic)) Option {
	return func(s *Server) { s.onLast = fn }
}

// WithCompressor replaces codec.Compress for outgoing frames.
func WithCompressor(fn func([]byte) ([]byte, error)) Option {
	return func(s *Server) { s.compress = fn }
}

// NewServer returns a server with an empty registry.
func NewServer(log *logger.Logger, opts ...Option) *Server {
	s := &Server{
		log:      log.Named("broadcast"),
		subs:     registry.New[Subscriber](),
		clock:    clockwork.NewRealClock(),
		tracer:   otel.Tracer("broadcast"),
		conns:    make(map[string]Subscriber),
		compress: codec.Compress,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// -----------------------------------------------------------------------------
// Connection lifecycle
// -----------------------------------------------------------------------------

// OnOpen registers a new connection. It has no topic membership yet.
func (s *Server) OnOpen(sub Subscriber) {
	s.mu.Lock()
	s.conns[sub.ID()] = sub
	n := len(s.conns)
	s.mu.Unlock()

	metrics.Connections.Set(float64(n))
	s.log.Debug("connection opened", zap.String("conn_id", sub.ID()))
}

// OnMessage handles one client text message. Only "subscribe:<topic>" with
// a non-empty topic is understood; everything else is dropped.
func (s *Server) OnMessage(sub Subscriber, text string) {
	topic, ok := parseSubscribe(text)
	if !ok {
		metrics.ProtocolIgnored.Inc()
		s.log.Debug("ignoring client message",
			zap.String("conn_id", sub.ID()),
			zap.Int("len", len(text)),
		)
		return
	}

	s.memberMu.Lock()
	if !s.isOpen(sub) {
		s.memberMu.Unlock()
		return
	}
	if s.subs.Add(topic, sub) && s.onFirst != nil {
		s.onFirst(topic)
	}
	s.memberMu.Unlock()

	metrics.Subscriptions.Set(float64(s.subs.Count()))
	s.log.Info("subscribed",
		zap.String("conn_id", sub.ID()),
		zap.String("topic", topic.String()),
	)

	if err := sub.SendText(replyPrefix + topic.String()); err != nil {
		metrics.SendErrors.Inc()
		s.log.Warn("subscribe reply failed",
			zap.String("conn_id", sub.ID()),
			zap.Error(err),
		)
		s.closeSubscriber(sub)
	}
}

// OnClose drops the connection from every topic. Safe to call more than
// once and for connections that never subscribed.
func (s *Server) OnClose(sub Subscriber) {
	s.memberMu.Lock()
	s.mu.Lock()
	delete(s.conns, sub.ID())
	n := len(s.conns)
	s.mu.Unlock()

	left := s.subs.RemoveAll(sub)
	if s.onLast != nil {
		for _, topic := range left {
			if s.subs.Len(topic) == 0 {
				s.onLast(topic)
			}
		}
	}
	s.memberMu.Unlock()

	metrics.Connections.Set(float64(n))
	metrics.Subscriptions.Set(float64(s.subs.Count()))
	if len(left) > 0 {
		s.log.Debug("connection closed",
			zap.String("conn_id", sub.ID()),
			zap.Int("topics_left", len(left)),
		)
	}
}

// -----------------------------------------------------------------------------
// Fan-out
// -----------------------------------------------------------------------------

// Broadcast compresses payload once and sends the frame to every current
// subscriber of topic. A compression failure aborts only this call. A
// subscriber whose write fails is closed; the rest still get the frame.
func (s *Server) Broadcast(ctx context.Context, topic snapshot.Topic, payload []byte) {
	ctx, span := s.tracer.Start(ctx, "broadcast.Broadcast",
		trace.WithAttributes(
			attribute.String("topic", topic.String()),
			attribute.Int("payload_bytes", len(payload)),
		))
	defer span.End()

	frame, err := s.compress(payload)
	if err != nil {
		metrics.EncodingErrors.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "compress")
		s.log.WithContext(ctx).Error("compress snapshot",
			zap.String("topic", topic.String()),
			zap.Error(err),
		)
		return
	}

	subs := s.subs.Subscribers(topic)
	span.SetAttributes(attribute.Int("subscribers", len(subs)))
	if len(subs) == 0 {
		return
	}
	metrics.BroadcastsTotal.Inc()

	for _, sub := range subs {
		if err := sub.SendBinary(frame); err != nil {
			metrics.SendErrors.Inc()
			s.log.WithContext(ctx).Warn("send frame",
				zap.String("conn_id", sub.ID()),
				zap.String("topic", topic.String()),
				zap.Error(err),
			)
			s.closeSubscriber(sub)
			continue
		}
		metrics.FramesSent.Inc()
	}
}

// -----------------------------------------------------------------------------
// Introspection
// -----------------------------------------------------------------------------

// Connections is the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Topics lists topics that currently have subscribers.
func (s *Server) Topics() []snapshot.Topic { return s.subs.Topics() }

// SubscriberCount is the number of subscribers of topic.
func (s *Server) SubscriberCount(topic snapshot.Topic) int { return s.subs.Len(topic) }

// CloseAll closes every open connection. Each connection's reader then
// runs OnClose.
func (s *Server) CloseAll() {
	s.mu.Lock()
	open := make([]Subscriber, 0, len(s.conns))
	for _, sub := range s.conns {
		open = append(open, sub)
	}
	s.mu.Unlock()

	for _, sub := range open {
		s.closeSubscriber(sub)
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func (s *Server) isOpen(sub Subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[sub.ID()]
	return ok
}

func (s *Server) closeSubscriber(sub Subscriber) {
	if err := sub.Close(); err != nil && !errors.Is(err, ErrConnClosed) {
		s.log.Debug("close connection", zap.String("conn_id", sub.ID()), zap.Error(err))
	}
}

func parseSubscribe(text string) (snapshot.Topic, bool) {
	topic, ok := strings.CutPrefix(text, subscribePrefix)
	if !ok || topic == "" {
		return "", false
	}
	return snapshot.Topic(topic), true
}
