package carve

import (
	"context"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/reshdesu/oopsie-daisy/internal/catalog"
)

// FallbackMatcher runs a primary matcher and downgrades permanently to the
// fallback for the remainder of the session on the first fault. The
// downgrade is logged as a degradation, not surfaced as an error.
type FallbackMatcher struct {
	primary    Matcher
	fallback   Matcher
	downgraded atomic.Bool
	logger     *slog.Logger
	downgrades metric.Int64Counter
}

// NewFallbackMatcher wires primary with fallback. meter may register a
// no-op counter when telemetry is disabled.
func NewFallbackMatcher(primary, fallback Matcher, logger *slog.Logger, meter metric.Meter) *FallbackMatcher {
	downgrades, _ := meter.Int64Counter("oopsie_matcher_downgrades_total")
	return &FallbackMatcher{
		primary:    primary,
		fallback:   fallback,
		logger:     logger,
		downgrades: downgrades,
	}
}

func (f *FallbackMatcher) Name() string {
	if f.downgraded.Load() {
		return f.fallback.Name()
	}
	return f.primary.Name()
}

// Downgraded reports whether the primary path has been abandoned.
func (f *FallbackMatcher) Downgraded() bool { return f.downgraded.Load() }

// FindMatches delegates to the active path.
func (f *FallbackMatcher) FindMatches(buf []byte, cat *catalog.Catalog) ([]Match, error) {
	if !f.downgraded.Load() {
		ms, err := f.primary.FindMatches(buf, cat)
		if err == nil {
			return ms, nil
		}
		if f.downgraded.CompareAndSwap(false, true) {
			f.logger.Warn("matcher fault, downgrading for remainder of session",
				"primary", f.primary.Name(), "fallback", f.fallback.Name(), "error", err)
			f.downgrades.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("from", f.primary.Name())))
		}
	}
	return f.fallback.FindMatches(buf, cat)
}
