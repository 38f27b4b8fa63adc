// Package audit defines the append-only event sink the session hub
// writes to. Per the specification's persistence boundary (§1, §6), this
// package owns only the contract and a couple of trivial concrete sinks
// useful for a standalone binary; a real deployment backs Sink with the
// `audit_log` table described in the persistence layout.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Kind enumerates the audit event kinds the hub emits. The core never
// reads these back; it only appends.
type Kind string

const (
	KindClaimAcquired Kind = "claim_acquired"
	KindClaimReleased Kind = "claim_released"
	KindForcedRelease Kind = "forced_release"
	KindSessionLost   Kind = "session_lost"
)

// Event is one append-only audit record.
type Event struct {
	Kind        Kind
	SessionName string
	UserID      string
	At          time.Time
	Detail      string
}

// Sink accepts audit events. Implementations must not block the caller
// for long; the hub emits synchronously from its single inbox goroutine.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoopSink discards every event. Useful for tests.
type NoopSink struct{}

func (NoopSink) Emit(context.Context, Event) {}

// LogSink writes audit events as structured log lines via zap, matching
// the ambient logging stack used throughout the rest of the repository.
// It is a reasonable default for a standalone binary that has not wired
// a real persistence-backed sink.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a LogSink writing through logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Emit(_ context.Context, event Event) {
	s.logger.Info("audit event",
		zap.String("kind", string(event.Kind)),
		zap.String("sessionName", event.SessionName),
		zap.String("userId", event.UserID),
		zap.Time("at", event.At),
		zap.String("detail", event.Detail),
	)
}
