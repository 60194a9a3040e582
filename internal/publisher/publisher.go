// Package publisher fans clearing house events out to NATS JetStream for
// downstream consumers (risk dashboards, settlement reconciliation).
// Subjects follow perpclear.events.{event_type}.{market_id}.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PerpClear/internal/event"
	"PerpClear/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	streamName    = "PERPCLEAR_EVENTS"
	subjectPrefix = "perpclear.events"
)

// Publisher drains events from a buffered channel into JetStream. Publishing
// is best-effort: the journal in Postgres is the source of truth, so a failed
// or dropped publish is logged and counted but never fails an operation.
type Publisher struct {
	js      jetstream.JetStream
	in      chan event.Envelope
	log     zerolog.Logger
	metrics *observability.Metrics
	done    chan struct{}
}

func New(js jetstream.JetStream, buffer int, metrics *observability.Metrics) *Publisher {
	if buffer <= 0 {
		buffer = 4096
	}
	return &Publisher{
		js:      js,
		in:      make(chan event.Envelope, buffer),
		log:     observability.NewLogger("publisher"),
		metrics: metrics,
		done:    make(chan struct{}),
	}
}

// Sink returns the engine-facing sink. The send never blocks.
func (p *Publisher) Sink() event.Sink { return publisherSink{p} }

type publisherSink struct{ p *Publisher }

func (s publisherSink) Publish(e event.Envelope) {
	select {
	case s.p.in <- e:
	default:
		if s.p.metrics != nil {
			s.p.metrics.PublishDrops.Inc()
		}
		s.p.log.Warn().Int64("sequence", e.Sequence).Msg("publish buffer full, event dropped")
	}
}

// Run publishes until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-p.in:
			if err := p.publish(ctx, e); err != nil {
				p.log.Warn().Err(err).Int64("sequence", e.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) Done() <-chan struct{} { return p.done }

func (p *Publisher) publish(ctx context.Context, e event.Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", subjectPrefix, e.Type)
	if e.MarketID != "" {
		subject = fmt.Sprintf("%s.%s", subject, e.MarketID)
	}
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates or updates the outbound event stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", streamName, err)
	}
	return nil
}
