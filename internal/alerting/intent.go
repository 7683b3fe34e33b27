package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ratewatch/internal/storage"
)

// Intent signals that a mark owner should be told about a crossing.
type Intent struct {
	ID             uuid.UUID
	OwnerID        int64
	MarkID         int64
	TriggeringRate decimal.Decimal
	Condition      storage.Condition
	TargetRate     decimal.Decimal
	ObservedAt     time.Time
}

// NewIntent builds the intent for a mark triggered by rate.
func NewIntent(m storage.Mark, rate decimal.Decimal, observedAt time.Time) Intent {
	return Intent{
		ID:             uuid.New(),
		OwnerID:        m.OwnerID,
		MarkID:         m.ID,
		TriggeringRate: rate,
		Condition:      m.Condition,
		TargetRate:     m.TargetRate,
		ObservedAt:     observedAt,
	}
}

// Sink hands intents to a delivery channel. Delivery is the sink's concern.
type Sink interface {
	Emit(ctx context.Context, intent Intent) error
}

// LogSink writes every intent to the log.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Emit implements Sink.
func (s *LogSink) Emit(ctx context.Context, intent Intent) error {
	s.logger.Info().
		Str("intent_id", intent.ID.String()).
		Int64("owner_id", intent.OwnerID).
		Int64("mark_id", intent.MarkID).
		Str("rate", intent.TriggeringRate.String()).
		Str("condition", string(intent.Condition)).
		Str("target_rate", intent.TargetRate.String()).
		Msgf("user %d should be notified: rate %s crossed the mark '%s %s'",
			intent.OwnerID, intent.TriggeringRate.String(), intent.Condition, intent.TargetRate.String())
	return nil
}

// Fanout emits to every sink and keeps going past failures, returning the first error.
type Fanout []Sink

// Emit implements Sink.
func (f Fanout) Emit(ctx context.Context, intent Intent) error {
	var first error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Emit(ctx, intent); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder keeps emitted intents in memory.
type Recorder struct {
	mu      sync.Mutex
	intents []Intent
}

// Emit implements Sink.
func (r *Recorder) Emit(ctx context.Context, intent Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, intent)
	return nil
}

// Intents returns a copy of everything emitted so far.
func (r *Recorder) Intents() []Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Intent, len(r.intents))
	copy(out, r.intents)
	return out
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = Fanout(nil)
	_ Sink = (*Recorder)(nil)
)
