package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Telemetry receives fire-and-forget notifications from the orchestrator.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay job processing. Telemetry failures must
// never fail the orchestration path, so none of these methods return errors.
type Telemetry interface {
	// SessionStarted is called once when a session is created by Start.
	SessionStarted(ctx context.Context, session *FlowSession)

	// StepCompleted is called after a step invocation succeeds.
	StepCompleted(ctx context.Context, session *FlowSession, exec *FlowStepExecution, duration time.Duration)

	// StepFailed is called when a step attempt fails, whether or not a
	// retry will follow.
	StepFailed(ctx context.Context, session *FlowSession, exec *FlowStepExecution, err error)

	// RetryScheduled is called when a failed attempt is re-enqueued.
	RetryScheduled(ctx context.Context, session *FlowSession, exec *FlowStepExecution, delay time.Duration)

	// SessionCompleted is called when a session reaches any terminal
	// status; inspect session.Status to distinguish outcomes.
	SessionCompleted(ctx context.Context, session *FlowSession)
}

// NoopTelemetry discards all notifications. It is the default when no
// telemetry is configured.
type NoopTelemetry struct{}

func (NoopTelemetry) SessionStarted(ctx context.Context, s *FlowSession) {}
func (NoopTelemetry) StepCompleted(ctx context.Context, s *FlowSession, e *FlowStepExecution, d time.Duration) {
}
func (NoopTelemetry) StepFailed(ctx context.Context, s *FlowSession, e *FlowStepExecution, err error) {
}
func (NoopTelemetry) RetryScheduled(ctx context.Context, s *FlowSession, e *FlowStepExecution, d time.Duration) {
}
func (NoopTelemetry) SessionCompleted(ctx context.Context, s *FlowSession) {}

// CompositeTelemetry fans notifications out to multiple sinks.
type CompositeTelemetry struct {
	sinks []Telemetry
}

// NewCompositeTelemetry creates a Telemetry that forwards each notification
// to every non-nil sink.
func NewCompositeTelemetry(sinks ...Telemetry) Telemetry {
	filtered := make([]Telemetry, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		return NoopTelemetry{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeTelemetry{sinks: filtered}
}

func (c *CompositeTelemetry) SessionStarted(ctx context.Context, s *FlowSession) {
	for _, t := range c.sinks {
		t.SessionStarted(ctx, s)
	}
}

func (c *CompositeTelemetry) StepCompleted(ctx context.Context, s *FlowSession, e *FlowStepExecution, d time.Duration) {
	for _, t := range c.sinks {
		t.StepCompleted(ctx, s, e, d)
	}
}

func (c *CompositeTelemetry) StepFailed(ctx context.Context, s *FlowSession, e *FlowStepExecution, err error) {
	for _, t := range c.sinks {
		t.StepFailed(ctx, s, e, err)
	}
}

func (c *CompositeTelemetry) RetryScheduled(ctx context.Context, s *FlowSession, e *FlowStepExecution, d time.Duration) {
	for _, t := range c.sinks {
		t.RetryScheduled(ctx, s, e, d)
	}
}

func (c *CompositeTelemetry) SessionCompleted(ctx context.Context, s *FlowSession) {
	for _, t := range c.sinks {
		t.SessionCompleted(ctx, s)
	}
}

// LoggingTelemetry writes structured logs using log/slog.
type LoggingTelemetry struct {
	Logger *slog.Logger
}

// NewLoggingTelemetry creates a Telemetry that logs session / step lifecycle
// notifications with the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingTelemetry(logger *slog.Logger) Telemetry {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingTelemetry{Logger: logger}
}

func (l *LoggingTelemetry) SessionStarted(ctx context.Context, s *FlowSession) {
	l.Logger.InfoContext(ctx, "session_started",
		slog.String("definition", s.DefinitionName),
		slog.String("session_id", s.ID),
	)
}

func (l *LoggingTelemetry) StepCompleted(ctx context.Context, s *FlowSession, e *FlowStepExecution, d time.Duration) {
	l.Logger.DebugContext(ctx, "step_completed",
		slog.String("session_id", s.ID),
		slog.String("step", e.StepID),
		slog.Int("attempt", e.Attempt),
		slog.Duration("duration", d),
	)
}

func (l *LoggingTelemetry) StepFailed(ctx context.Context, s *FlowSession, e *FlowStepExecution, err error) {
	l.Logger.ErrorContext(ctx, "step_failed",
		slog.String("session_id", s.ID),
		slog.String("step", e.StepID),
		slog.Int("attempt", e.Attempt),
		slog.Any("error", err),
	)
}

func (l *LoggingTelemetry) RetryScheduled(ctx context.Context, s *FlowSession, e *FlowStepExecution, d time.Duration) {
	l.Logger.InfoContext(ctx, "retry_scheduled",
		slog.String("session_id", s.ID),
		slog.String("step", e.StepID),
		slog.Int("attempt", e.Attempt),
		slog.Duration("delay", d),
	)
}

func (l *LoggingTelemetry) SessionCompleted(ctx context.Context, s *FlowSession) {
	level := slog.LevelInfo
	if s.Status != SessionCompleted {
		level = slog.LevelWarn
	}
	l.Logger.Log(ctx, level, "session_completed",
		slog.String("session_id", s.ID),
		slog.String("status", string(s.Status)),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Telemetry and can be combined with LoggingTelemetry via
// NewCompositeTelemetry.
type BasicMetrics struct {
	NoopTelemetry

	sessionsStarted   atomic.Int64
	sessionsCompleted atomic.Int64
	sessionsFailed    atomic.Int64
	stepsCompleted    atomic.Int64
	retriesScheduled  atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	SessionsStarted   int64
	SessionsCompleted int64
	SessionsFailed    int64
	ActiveSessions    int64

	StepsCompleted   int64
	RetriesScheduled int64
	AvgStepDuration  time.Duration
}

func (m *BasicMetrics) SessionStarted(ctx context.Context, s *FlowSession) {
	m.sessionsStarted.Add(1)
}

func (m *BasicMetrics) StepCompleted(ctx context.Context, s *FlowSession, e *FlowStepExecution, d time.Duration) {
	m.stepsCompleted.Add(1)
	m.totalStepDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) RetryScheduled(ctx context.Context, s *FlowSession, e *FlowStepExecution, d time.Duration) {
	m.retriesScheduled.Add(1)
}

func (m *BasicMetrics) SessionCompleted(ctx context.Context, s *FlowSession) {
	if s.Status == SessionCompleted {
		m.sessionsCompleted.Add(1)
	} else {
		m.sessionsFailed.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.sessionsStarted.Load()
	completed := m.sessionsCompleted.Load()
	failed := m.sessionsFailed.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		SessionsStarted:   started,
		SessionsCompleted: completed,
		SessionsFailed:    failed,
		ActiveSessions:    started - completed - failed,
		StepsCompleted:    steps,
		RetriesScheduled:  m.retriesScheduled.Load(),
		AvgStepDuration:   avg,
	}
}
