package bus

import (
	"context"
	"time"

	"github.com/srediag/shmbus/internal/logging"
	"github.com/srediag/shmbus/pkg/errcode"
)

// MinBufferSize is the smallest receive buffer Listen accepts.
const MinBufferSize = 4096

// DefaultPollInterval is how long Listen sleeps when no message is waiting.
const DefaultPollInterval = 200 * time.Microsecond

// Listener waits for inbound method calls on a Connection.
type Listener struct {
	conn     *Connection
	interval time.Duration
	log      *logging.Logger
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) ListenerOption {
	return func(l *Listener) {
		if d > 0 {
			l.interval = d
		}
	}
}

// NewListener returns a Listener for conn. The Listener does not own conn.
func NewListener(conn *Connection, opts ...ListenerOption) *Listener {
	l := &Listener{conn: conn, interval: DefaultPollInterval, log: conn.log.Named("listener")}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Listen blocks until a call matching filter arrives, copies its payload into buf and
// returns the command type and the payload length. There is no timeout; use
// ListenContext to bound the wait.
func (l *Listener) Listen(filter Filter, buf []byte) (int32, int, error) {
	return l.ListenContext(context.Background(), filter, buf)
}

// ListenContext is Listen bounded by ctx. When ctx ends first its error is returned.
//
// buf must hold at least MinBufferSize bytes; a smaller buffer fails with BufferTooSmall
// before anything is read. Messages that do not match filter are discarded. A matching
// message that fails to decode is consumed and its error returned.
func (l *Listener) ListenContext(ctx context.Context, filter Filter, buf []byte) (int32, int, error) {
	if len(buf) < MinBufferSize {
		return 0, 0, errcode.BufferTooSmall
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		msg, alive, err := l.conn.poll()
		if err != nil {
			return 0, 0, err
		}
		if !alive {
			l.log.Warnf("connection lost while listening for %s.%s", filter.Interface, filter.Method)
			callsReceived.WithLabelValues(errcode.ConnectionLost.Error()).Inc()
			return 0, 0, errcode.ConnectionLost
		}
		if msg == nil {
			if timer == nil {
				timer = time.NewTimer(l.interval)
			} else {
				timer.Reset(l.interval)
			}
			select {
			case <-ctx.Done():
				return 0, 0, ctx.Err()
			case <-timer.C:
			}
			continue
		}
		if !filter.Matches(msg) {
			callsReceived.WithLabelValues(outcomeFiltered).Inc()
			continue
		}

		cmdType, payload, err := DecodeMethodCall(msg)
		if err == nil && len(payload) > len(buf) {
			err = errcode.PayloadTooLarge
		}
		callsReceived.WithLabelValues(outcome(err)).Inc()
		if err != nil {
			l.log.Debugf("decode %s: %v", msg, err)
			return 0, 0, err
		}
		n := copy(buf, payload)
		l.log.Tracef("received cmd=%d len=%d", cmdType, n)
		return cmdType, n, nil
	}
}
