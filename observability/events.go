package observability

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"nftmarket/core/events"
	"nftmarket/core/types"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured market events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftmarket",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of market events segmented by event type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// RecordEvent increments the counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

// MetricsEmitter counts every event it receives.
type MetricsEmitter struct{}

// Emit implements events.Emitter.
func (MetricsEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	Events().RecordEvent(evt.EventType())
}

type payload interface {
	Event() *types.Event
}

// LogEmitter writes every event as one structured log line.
type LogEmitter struct {
	Logger *slog.Logger
	Level  slog.Level
}

// Emit implements events.Emitter.
func (l LogEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{slog.String("event", evt.EventType())}
	if p, ok := evt.(payload); ok {
		if body := p.Event(); body != nil {
			keys := make([]string, 0, len(body.Attributes))
			for k := range body.Attributes {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			group := make([]any, 0, len(keys))
			for _, k := range keys {
				group = append(group, slog.String(k, body.Attributes[k]))
			}
			attrs = append(attrs, slog.Group("attributes", group...))
		}
	}
	logger.Log(context.Background(), l.Level, "market event", attrs...)
}

var (
	_ events.Emitter = MetricsEmitter{}
	_ events.Emitter = LogEmitter{}
)
