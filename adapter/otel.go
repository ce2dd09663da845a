package adapter

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmbus/internal/logging"
	"github.com/srediag/shmbus/pkg/shm"
)

// InstrumentationName identifies shmbus meters and tracers.
const InstrumentationName = "github.com/srediag/shmbus"

// RegionOptions returns shm options recording region spans and byte counters on the given
// providers. Nil providers fall back to the globally registered ones, which are no-ops
// until an SDK is installed.
func RegionOptions(mp metric.MeterProvider, tp trace.TracerProvider, l *logging.Logger) []shm.Option {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	opts := []shm.Option{
		shm.WithMeter(mp.Meter(InstrumentationName)),
		shm.WithTracer(tp.Tracer(InstrumentationName)),
	}
	if l != nil {
		opts = append(opts, shm.WithLogger(l))
	}
	return opts
}
