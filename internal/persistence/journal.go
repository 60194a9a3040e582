// Package persistence writes the clearing house event log to Postgres.
// The journal is append-only: the engine's monotonic sequence is the primary
// key, so replays and retries are harmless.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"PerpClear/internal/event"
	"PerpClear/internal/observability"

	"github.com/rs/zerolog"
)

// Journal persists event envelopes.
type Journal struct {
	db      *sql.DB
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewJournal(db *sql.DB, metrics *observability.Metrics) *Journal {
	return &Journal{
		db:      db,
		log:     observability.NewLogger("journal"),
		metrics: metrics,
	}
}

// WriteBatch inserts a batch of envelopes in one statement. Duplicate
// sequences are skipped, which makes redelivery after a crash idempotent.
func (j *Journal) WriteBatch(ctx context.Context, events []event.Envelope) error {
	if len(events) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO perpclear.events
		(sequence, event_type, market_id, trader, event_time, payload)
		VALUES `)

	args := make([]any, 0, len(events)*6)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 6
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6)

		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload seq=%d: %w", e.Sequence, err)
		}
		args = append(args,
			e.Sequence, e.Type.String(), e.MarketID, e.Trader, e.Timestamp, payload)
	}
	sb.WriteString(" ON CONFLICT (sequence) DO NOTHING")

	res, err := j.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		if j.metrics != nil {
			j.metrics.PersistErrors.WithLabelValues("insert").Inc()
		}
		return fmt.Errorf("insert events: %w", err)
	}
	if j.metrics != nil {
		if n, err := res.RowsAffected(); err == nil {
			j.metrics.PersistEventsWritten.Add(float64(n))
		}
	}
	return nil
}

// LatestSequence returns the highest persisted sequence, or zero when the
// journal is empty.
func (j *Journal) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := j.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM perpclear.events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
