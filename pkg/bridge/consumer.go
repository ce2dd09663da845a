package bridge

import (
	"bytes"
	"context"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shmbus/pkg/bus"
	"github.com/srediag/shmbus/pkg/shm"
)

// Delivery is one payload received through the bridge.
type Delivery struct {
	CommandType int32
	// Region is the name the producer announced.
	Region string
	// Data is a copy of the whole region.
	Data []byte
}

// Text returns Data as a string without its trailing NUL padding.
func (d Delivery) Text() string {
	return string(bytes.TrimRight(d.Data, "\x00"))
}

// Consumer waits for announcements and reads the announced regions. Opened regions are
// cached by name, at most cfg.CachedRegions at a time, and reopened when their producer
// recreates them.
type Consumer struct {
	cfg      Config
	listener *bus.Listener
	regions  cmap.ConcurrentMap[string, *shm.Region]
	opts     []shm.Option
}

// NewConsumer listens on conn, which should own cfg.Name. The Consumer does not own conn.
func NewConsumer(conn *bus.Connection, cfg Config, opts ...shm.Option) *Consumer {
	return &Consumer{
		cfg:      cfg,
		listener: bus.NewListener(conn, bus.WithPollInterval(cfg.PollInterval)),
		regions:  cmap.New[*shm.Region](),
		opts:     opts,
	}
}

// Next blocks until an announcement arrives or ctx ends, then returns the announced
// region's contents.
func (c *Consumer) Next(ctx context.Context) (Delivery, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if cap(buf.B) < bus.MinBufferSize {
		buf.B = make([]byte, bus.MinBufferSize)
	}
	buf.B = buf.B[:bus.MinBufferSize]

	cmdType, n, err := c.listener.ListenContext(ctx, c.cfg.Filter(), buf.B)
	if err != nil {
		return Delivery{}, err
	}
	name := string(buf.B[:n])

	region, err := c.region(ctx, name)
	if err != nil {
		return Delivery{}, err
	}
	data := make([]byte, region.Size())
	if _, err := region.Read(ctx, data); err != nil {
		return Delivery{}, err
	}
	return Delivery{CommandType: cmdType, Region: name, Data: data}, nil
}

func (c *Consumer) region(ctx context.Context, name string) (*shm.Region, error) {
	if r, ok := c.regions.Get(name); ok {
		if !r.Detached() {
			return r, nil
		}
		log.Debugf("region %s was recreated, reopening", name)
		c.Forget(name)
	}
	r, err := shm.Open(ctx, name, c.cfg.RegionSize, c.opts...)
	if err != nil {
		return nil, err
	}
	c.evict(c.cfg.CachedRegions - 1)
	c.regions.Set(name, r)
	return r, nil
}

// evict forgets cached regions until at most keep remain, detached ones first.
func (c *Consumer) evict(keep int) {
	if c.regions.Count() <= keep {
		return
	}
	names := c.regions.Keys()
	for _, name := range names {
		if r, ok := c.regions.Get(name); ok && r.Detached() {
			c.Forget(name)
		}
	}
	for _, name := range names {
		if c.regions.Count() <= keep {
			return
		}
		log.Debugf("region cache full, forgetting %s", name)
		c.Forget(name)
	}
}

// Cached returns the number of open regions.
func (c *Consumer) Cached() int {
	return c.regions.Count()
}

// Forget closes the cached mapping of name, if any.
func (c *Consumer) Forget(name string) {
	if r, ok := c.regions.Pop(name); ok {
		if err := r.Close(); err != nil {
			log.Warnf("close region %s: %v", name, err)
		}
	}
}

// Close closes every cached region. The connection is left open.
func (c *Consumer) Close() error {
	var first error
	for _, name := range c.regions.Keys() {
		if r, ok := c.regions.Pop(name); ok {
			if err := r.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
