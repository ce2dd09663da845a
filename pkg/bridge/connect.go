package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/godbus/dbus/v5"

	"github.com/srediag/shmbus/internal/logging"
	"github.com/srediag/shmbus/pkg/bus"
	"github.com/srediag/shmbus/pkg/errcode"
)

var log = logging.Internal.Named("bridge")

// Connect opens a connection on cfg's scope and registers cfg.Name, retrying connection
// failures with exponential backoff. Name registration failures and losing the name to
// another owner are not retried; in the latter case the connection is closed and
// errcode.NotPrimaryOwner returned.
func Connect(ctx context.Context, cfg Config, opts ...bus.Option) (*bus.Connection, error) {
	return retry(ctx, cfg, "connect "+cfg.Name, func() (*bus.Connection, error) {
		c, err := bus.Initialize(cfg.BusScope(), cfg.Name, dbus.RequestNameFlags(cfg.NameFlags), opts...)
		switch {
		case err == nil:
			return c, nil
		case errors.Is(err, errcode.NotPrimaryOwner):
			if cerr := c.Close(); cerr != nil {
				log.Warnf("close after losing %s: %v", cfg.Name, cerr)
			}
			return nil, backoff.Permanent(err)
		case errors.Is(err, errcode.NameRegistrationError):
			return nil, backoff.Permanent(err)
		default:
			return nil, err
		}
	})
}

// Dial opens an unnamed connection on cfg's scope with the same retry policy as Connect.
// Producers use it.
func Dial(ctx context.Context, cfg Config, opts ...bus.Option) (*bus.Connection, error) {
	return retry(ctx, cfg, "dial", func() (*bus.Connection, error) {
		return bus.Open(cfg.BusScope(), opts...)
	})
}

func retry(ctx context.Context, cfg Config, what string, op backoff.OperationWithData[*bus.Connection]) (*bus.Connection, error) {
	b := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(backoff.WithInitialInterval(cfg.ConnectBackoff)),
			cfg.ConnectRetries,
		),
		ctx,
	)
	return backoff.RetryNotifyWithData(op, b, func(err error, next time.Duration) {
		log.Warnf("%s: %v, retrying in %s", what, err, next)
	})
}
