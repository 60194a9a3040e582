package persistence

import (
	"context"
	"time"

	"PerpClear/internal/event"
	"PerpClear/internal/observability"

	"github.com/rs/zerolog"
)

// Worker drains emitted events into the journal in batches. It decouples the
// synchronous engine from Postgres: the engine publishes into a buffered
// channel and never blocks on the database.
type Worker struct {
	journal    *Journal
	in         chan event.Envelope
	batchSize  int
	flushEvery time.Duration
	log        zerolog.Logger
	metrics    *observability.Metrics
	done       chan struct{}
}

func NewWorker(journal *Journal, buffer, batchSize int, flushEvery time.Duration, metrics *observability.Metrics) *Worker {
	if buffer <= 0 {
		buffer = 4096
	}
	if batchSize <= 0 {
		batchSize = 256
	}
	if flushEvery <= 0 {
		flushEvery = 200 * time.Millisecond
	}
	return &Worker{
		journal:    journal,
		in:         make(chan event.Envelope, buffer),
		batchSize:  batchSize,
		flushEvery: flushEvery,
		log:        observability.NewLogger("persist_worker"),
		metrics:    metrics,
		done:       make(chan struct{}),
	}
}

// Sink returns the engine-facing sink. The send never blocks; when the buffer
// is full the event is dropped and counted, and the journal catches up from
// the gap on the next operator replay.
func (w *Worker) Sink() event.Sink { return workerSink{w} }

type workerSink struct{ w *Worker }

func (s workerSink) Publish(e event.Envelope) {
	select {
	case s.w.in <- e:
	default:
		if s.w.metrics != nil {
			s.w.metrics.PersistErrors.WithLabelValues("buffer_full").Inc()
		}
		s.w.log.Warn().Int64("sequence", e.Sequence).Msg("persist buffer full, event dropped")
	}
}

// Run flushes batches until ctx is cancelled, then drains what remains.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	batch := make([]event.Envelope, 0, w.batchSize)
	for {
		select {
		case e := <-w.in:
			batch = append(batch, e)
			if len(batch) >= w.batchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ctx.Done():
			for {
				select {
				case e := <-w.in:
					batch = append(batch, e)
				default:
					if len(batch) > 0 {
						w.flush(batch)
					}
					return
				}
			}
		}
	}
}

// Done closes after Run has drained and returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) flush(batch []event.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.journal.WriteBatch(ctx, batch); err != nil {
		w.log.Error().Err(err).Int("batch", len(batch)).Msg("journal write failed")
		return
	}
	w.log.Debug().Int("batch", len(batch)).Msg("journal batch written")
}
