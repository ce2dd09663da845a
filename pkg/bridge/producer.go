package bridge

import (
	"context"
	"sync"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shmbus/pkg/bus"
	"github.com/srediag/shmbus/pkg/errcode"
	"github.com/srediag/shmbus/pkg/shm"
)

// Producer writes payloads into a shared memory region it owns and announces each one with
// a bus call whose payload is the region name.
type Producer struct {
	mu     sync.Mutex
	cfg    Config
	sender *bus.Sender
	region *shm.Region
}

// NewProducer creates cfg.Region and prepares to announce on conn. The Producer owns the
// region but not conn.
func NewProducer(ctx context.Context, conn *bus.Connection, cfg Config, opts ...shm.Option) (*Producer, error) {
	region, err := shm.Create(ctx, cfg.Region, cfg.RegionMode, cfg.RegionSize, opts...)
	if err != nil {
		return nil, err
	}
	return &Producer{cfg: cfg, sender: bus.NewSender(conn), region: region}, nil
}

// Region returns the region payloads are written to.
func (p *Producer) Region() *shm.Region { return p.region }

// Publish writes data into the region, zeroing the rest of it, and sends cmdType with the
// region name to the consumer. Consecutive publishes overwrite each other; the consumer
// sees whatever the region holds when it reads.
func (p *Producer) Publish(ctx context.Context, cmdType int32, data []byte) error {
	if len(data) > p.cfg.RegionSize {
		return errcode.SizeExceedsRegion
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.Set(data)
	for buf.Len() < p.cfg.RegionSize {
		if err := buf.WriteByte(0); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.region.Write(ctx, buf.B); err != nil {
		return err
	}
	return p.sender.Send(bus.Call{
		Destination: p.cfg.Name,
		Interface:   p.cfg.BusInterface(),
		Member:      p.cfg.Method,
		CommandType: cmdType,
		Payload:     []byte(p.cfg.Region),
	})
}

// Close closes and unlinks the region.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.region.Close()
}
