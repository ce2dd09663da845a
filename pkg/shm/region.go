package shm

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/shmbus/internal/logging"
	internalshm "github.com/srediag/shmbus/internal/shm"
	"github.com/srediag/shmbus/pkg/errcode"
)

const instrumentationName = "github.com/srediag/shmbus/pkg/shm"

// MaxNameLength is the longest region name accepted, leading slash included.
const MaxNameLength = internalshm.MaxNameLength

// Permission bits accepted by Create.
const (
	ModeOwnerRWX   uint32 = 0o700
	ModeOwnerRead  uint32 = 0o400
	ModeOwnerWrite uint32 = 0o200
	ModeOwnerExec  uint32 = 0o100
	ModeGroupRWX   uint32 = 0o070
	ModeGroupRead  uint32 = 0o040
	ModeGroupWrite uint32 = 0o020
	ModeGroupExec  uint32 = 0o010
	ModeOtherRWX   uint32 = 0o007
	ModeOtherRead  uint32 = 0o004
	ModeOtherWrite uint32 = 0o002
	ModeOtherExec  uint32 = 0o001
)

// Region is a named shared memory segment mapped into this process.
//
// The mapping is shared with every process that opens the same name. Region serialises
// Close against Read and Write within a process but provides no coordination across
// processes; producers and consumers agree on "written" out of band.
type Region struct {
	mu     sync.RWMutex
	region *internalshm.MappedRegion

	name  string
	size  int
	owner bool

	tracer       trace.Tracer
	bytesWritten metric.Int64Counter
	bytesRead    metric.Int64Counter
	attrs        metric.MeasurementOption
	log          *logging.Logger
}

type options struct {
	meter  metric.Meter
	tracer trace.Tracer
	log    *logging.Logger
}

// Option configures a Region.
type Option func(*options)

// WithMeter records bytes read and written on m.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithTracer records a span around create, open and close.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.log = l }
}

// Create creates the named region exclusively with the given permission bits and size and
// maps it read-write. A name left behind by an owner that never closed it is reclaimed.
// OS failures are returned as *errcode.OSError.
func Create(ctx context.Context, name string, mode uint32, size int, opts ...Option) (*Region, error) {
	return mapRegion(ctx, "shm.Create", internalshm.MapOptions{Name: name, Size: size, Create: true, Mode: mode}, opts)
}

// Open maps an existing region read-only. size must be the size the creator used.
func Open(ctx context.Context, name string, size int, opts ...Option) (*Region, error) {
	return mapRegion(ctx, "shm.Open", internalshm.MapOptions{Name: name, Size: size}, opts)
}

func mapRegion(ctx context.Context, op string, mo internalshm.MapOptions, opts []Option) (*Region, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.meter == nil {
		o.meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	if o.tracer == nil {
		o.tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	if o.log == nil {
		o.log = logging.Internal.Named("shm")
	}

	ctx, span := o.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("shm.name", mo.Name),
		attribute.Int("shm.size", mo.Size),
	))
	defer span.End()

	mapped, err := internalshm.MapRegion(ctx, mo)
	if err != nil {
		span.RecordError(err)
		o.log.Warnf("%s %s: %v", op, mo.Name, err)
		return nil, err
	}

	r := &Region{
		region: mapped,
		name:   mo.Name,
		size:   mo.Size,
		owner:  mapped.Owner,
		tracer: o.tracer,
		attrs:  metric.WithAttributes(attribute.String("shm.name", mo.Name)),
		log:    o.log,
	}
	// instrument creation failures only cost us the metrics
	if r.bytesWritten, err = o.meter.Int64Counter("shm.bytes_written", metric.WithUnit("By")); err != nil {
		o.log.Debugf("shm.bytes_written counter: %v", err)
		r.bytesWritten, _ = metricnoop.NewMeterProvider().Meter(instrumentationName).Int64Counter("shm.bytes_written")
	}
	if r.bytesRead, err = o.meter.Int64Counter("shm.bytes_read", metric.WithUnit("By")); err != nil {
		o.log.Debugf("shm.bytes_read counter: %v", err)
		r.bytesRead, _ = metricnoop.NewMeterProvider().Meter(instrumentationName).Int64Counter("shm.bytes_read")
	}
	return r, nil
}

// Name returns the region name.
func (r *Region) Name() string { return r.name }

// Size returns the size fixed at create or open time.
func (r *Region) Size() int { return r.size }

// Owner reports whether this process created the region and will unlink it on Close.
func (r *Region) Owner() bool { return r.owner }

// Write copies data to the start of the region. Bytes past len(data) keep their
// previous contents.
func (r *Region) Write(ctx context.Context, data []byte) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.region == nil {
		return 0, errcode.RegionClosed
	}
	if len(data) > r.size {
		return 0, errcode.SizeExceedsRegion
	}
	if !r.region.Writable {
		return 0, errcode.RegionReadOnly
	}
	n := copy(r.region.Addr, data)
	r.bytesWritten.Add(ctx, int64(n), r.attrs)
	return n, nil
}

// Read copies the start of the region into out. out may not be larger than the region;
// pass a buffer of Size() bytes to read all of it.
func (r *Region) Read(ctx context.Context, out []byte) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.region == nil {
		return 0, errcode.RegionClosed
	}
	if len(out) > r.size {
		return 0, errcode.SizeExceedsRegion
	}
	n := copy(out, r.region.Addr)
	r.bytesRead.Add(ctx, int64(n), r.attrs)
	return n, nil
}

// Detached reports whether the region name has been unlinked or now refers to a different
// object, for example because the creator closed it and created it again. A closed region
// is always detached.
func (r *Region) Detached() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return internalshm.Detached(r.region)
}

// Close unmaps the region, closes its descriptor and, when this process created it,
// unlinks the name. All steps are attempted and the first failure is returned. A closed
// region reports errcode.RegionClosed from every method.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.region == nil {
		return errcode.RegionClosed
	}
	_, span := r.tracer.Start(context.Background(), "shm.Close", trace.WithAttributes(
		attribute.String("shm.name", r.name),
		attribute.Bool("shm.owner", r.owner),
	))
	defer span.End()

	err := internalshm.UnmapRegion(context.Background(), r.region)
	r.region = nil
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// ValidateName returns errcode.InvalidName unless name is usable as a region name: at most
// MaxNameLength characters including an optional leading slash, and no other slash.
func ValidateName(name string) error {
	return internalshm.ValidateName(name)
}

// Unlink removes a region name left behind by a process that never closed it.
func Unlink(name string) error {
	return internalshm.Unlink(name)
}
