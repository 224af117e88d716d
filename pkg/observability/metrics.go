package observability

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aretw0/arbor/pkg/domain"
)

// Metrics holds the engine's prometheus collectors.
type Metrics struct {
	PhaseEnters        *prometheus.CounterVec
	ToolCalls          *prometheus.CounterVec
	ToolDuration       *prometheus.HistogramVec
	CheckpointSaves    prometheus.Counter
	CheckpointFailures prometheus.Counter
}

// NewMetrics creates and registers the collectors. Pass nil to register on
// the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		PhaseEnters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbor_phase_enters_total",
			Help: "Executor phase entries",
		}, []string{"phase"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbor_tool_calls_total",
			Help: "Tool invocations by name and outcome",
		}, []string{"tool", "outcome"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arbor_tool_duration_seconds",
			Help:    "Tool invocation duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		CheckpointSaves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arbor_checkpoint_saves_total",
			Help: "Successful checkpoint saves",
		}),
		CheckpointFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arbor_checkpoint_failures_total",
			Help: "Checkpoint saves that failed and were continued past",
		}),
	}
	reg.MustRegister(m.PhaseEnters, m.ToolCalls, m.ToolDuration,
		m.CheckpointSaves, m.CheckpointFailures)
	return m
}

// Hooks returns lifecycle hooks feeding these collectors.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnPhaseEnter: func(_ context.Context, ev *domain.PhaseEvent) {
			m.PhaseEnters.WithLabelValues(ev.Phase).Inc()
		},
		OnToolReturn: func(_ context.Context, ev *domain.ToolEvent) {
			outcome := "ok"
			if ev.IsError {
				outcome = "error"
			}
			m.ToolCalls.WithLabelValues(ev.ToolName, outcome).Inc()
			m.ToolDuration.WithLabelValues(ev.ToolName).Observe(ev.Duration.Seconds())
		},
		OnCheckpoint: func(_ context.Context, ev *domain.CheckpointEvent) {
			if ev.Failed {
				m.CheckpointFailures.Inc()
			} else {
				m.CheckpointSaves.Inc()
			}
		},
	}
}

// Merge fans events out to several hook sets, in order.
func Merge(hooks ...domain.LifecycleHooks) domain.LifecycleHooks {
	var out domain.LifecycleHooks
	out.OnPhaseEnter = func(ctx context.Context, ev *domain.PhaseEvent) {
		for _, h := range hooks {
			if h.OnPhaseEnter != nil {
				h.OnPhaseEnter(ctx, ev)
			}
		}
	}
	out.OnPhaseLeave = func(ctx context.Context, ev *domain.PhaseEvent) {
		for _, h := range hooks {
			if h.OnPhaseLeave != nil {
				h.OnPhaseLeave(ctx, ev)
			}
		}
	}
	out.OnToolCall = func(ctx context.Context, ev *domain.ToolEvent) {
		for _, h := range hooks {
			if h.OnToolCall != nil {
				h.OnToolCall(ctx, ev)
			}
		}
	}
	out.OnToolReturn = func(ctx context.Context, ev *domain.ToolEvent) {
		for _, h := range hooks {
			if h.OnToolReturn != nil {
				h.OnToolReturn(ctx, ev)
			}
		}
	}
	out.OnCheckpoint = func(ctx context.Context, ev *domain.CheckpointEvent) {
		for _, h := range hooks {
			if h.OnCheckpoint != nil {
				h.OnCheckpoint(ctx, ev)
			}
		}
	}
	return out
}

// LoggingHooks returns hooks that emit structured log lines for each event.
func LoggingHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnPhaseEnter: func(_ context.Context, ev *domain.PhaseEvent) {
			logger.Debug("phase_enter", "key", ev.Key, "phase", ev.Phase)
		},
		OnToolCall: func(_ context.Context, ev *domain.ToolEvent) {
			logger.Info("tool_call", "key", ev.Key, "tool", ev.ToolName)
		},
		OnToolReturn: func(_ context.Context, ev *domain.ToolEvent) {
			logger.Info("tool_return", "key", ev.Key, "tool", ev.ToolName,
				"duration", ev.Duration.String(), "is_error", ev.IsError)
		},
	}
}
