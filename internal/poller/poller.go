// internal/poller/poller.go
package poller

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/snapshot-broadcaster/internal/metrics"
	"github.com/YaganovValera/snapshot-broadcaster/internal/snapshot"
	"github.com/YaganovValera/snapshot-broadcaster/internal/upstream"
	"github.com/YaganovValera/snapshot-broadcaster/pkg/logger"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config controls polling cadence.
type Config struct {
	Interval         time.Duration `mapstructure:"interval"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	WatchOnSubscribe bool          `mapstructure:"watch_on_subscribe"`

	// Limit is passed to the source; copied from the upstream section.
	Limit int `mapstructure:"-"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 100 * time.Millisecond
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 5 * time.Second
	}
}

// Sink accepts produced snapshots without blocking.
type Sink interface {
	Enqueue(snapshot.Snapshot)
}

// -----------------------------------------------------------------------------
// Poller
// -----------------------------------------------------------------------------

// Poller repeatedly fetches one topic and hands the result to a Sink.
type Poller struct {
	topic  snapshot.Topic
	src    upstream.Source
	sink   Sink
	cfg    Config
	clock  clockwork.Clock
	log    *logger.Logger
	tracer trace.Tracer
}

// New builds a poller for topic.
func New(topic snapshot.Topic, src upstream.Source, sink Sink, cfg Config, clock clockwork.Clock, log *logger.Logger) *Poller {
	cfg.ApplyDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Poller{
		topic:  topic,
		src:    src,
		sink:   sink,
		cfg:    cfg,
		clock:  clock,
		log:    log.Named("poller").With(zap.String("topic", topic.String())),
		tracer: otel.Tracer("poller"),
	}
}

// Run polls until ctx is cancelled. Cancellation is checked before each
// fetch and during the wait; a fetch already in flight runs to completion
// and its result is still enqueued.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info("poller started", zap.Duration("interval", p.cfg.Interval))
	defer p.log.Info("poller stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		p.poll(ctx)

		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.cfg.Interval):
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FetchTimeout)
	defer cancel()

	fctx, span := p.tracer.Start(fctx, "poller.fetch",
		trace.WithAttributes(attribute.String("topic", p.topic.String())))
	defer span.End()

	payload, err := p.src.FetchSnapshot(fctx, p.topic, p.cfg.Limit)
	if err != nil {
		metrics.FetchErrors.WithLabelValues(p.topic.String()).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch")
		p.log.WithContext(fctx).Warn("fetch failed", zap.Error(err))
		return
	}

	p.sink.Enqueue(snapshot.Snapshot{
		Topic:      p.topic,
		Payload:    payload,
		ProducedAt: p.clock.Now(),
	})
	metrics.SnapshotsEnqueued.WithLabelValues(p.topic.String()).Inc()
}
