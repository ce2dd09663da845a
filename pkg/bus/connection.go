package bus

import (
	"reflect"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/srediag/shmbus/api"
	"github.com/srediag/shmbus/internal/logging"
	"github.com/srediag/shmbus/internal/transport"
	"github.com/srediag/shmbus/pkg/errcode"
)

// Dialer opens the transport for a scope. The scope passed in is already normalized.
type Dialer func(scope Scope) (api.Transport, error)

// Option configures Open and Initialize.
type Option func(*options)

type options struct {
	dialer Dialer
	log    *logging.Logger
}

// WithDialer replaces the D-Bus dialer, for example with an in-memory bus in tests.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.log = l }
}

// DialDBus connects to the real bus daemon for scope.
func DialDBus(scope Scope) (api.Transport, error) {
	var (
		t   *transport.DBus
		err error
	)
	switch scope.Normalize() {
	case System:
		t, err = transport.ConnectSystem()
	case Starter:
		t, err = transport.ConnectStarter()
	default:
		t, err = transport.ConnectSession()
	}
	if err != nil || t == nil {
		return nil, err
	}
	return t, nil
}

// Connection is an exclusive, owned connection to a bus. It is created only by Open or
// Initialize and released exactly once by Close. All methods are safe for concurrent use;
// transport access is serialized.
type Connection struct {
	mu        sync.Mutex
	transport api.Transport

	scope   Scope
	name    string
	flags   dbus.RequestNameFlags
	primary bool

	log *logging.Logger
}

// Open connects to the bus selected by scope. Unknown scopes select Session.
func Open(scope Scope, opts ...Option) (*Connection, error) {
	o := options{dialer: DialDBus, log: logging.Internal.Named("bus")}
	for _, opt := range opts {
		opt(&o)
	}
	scope = scope.Normalize()

	t, err := o.dialer(scope)
	if err != nil {
		o.log.Errorf("connect to %s bus: %v", scope, err)
		return nil, errcode.With(errcode.ConnectionError, err)
	}
	if isNil(t) {
		o.log.Errorf("connect to %s bus returned no connection", scope)
		return nil, errcode.ConnectionNull
	}
	connectionsOpened.WithLabelValues(scope.String()).Inc()
	o.log.Debugf("connected to %s bus", scope)
	return &Connection{transport: t, scope: scope, log: o.log}, nil
}

// Initialize opens a connection and requests the well-known name with flags.
//
// A failed request closes the connection and returns NameRegistrationError. A request
// that succeeds without primary ownership (queued, exists, already owner) returns the
// open connection together with NotPrimaryOwner; the connection stays usable.
func Initialize(scope Scope, name string, flags dbus.RequestNameFlags, opts ...Option) (*Connection, error) {
	c, err := Open(scope, opts...)
	if err != nil {
		return nil, err
	}
	c.name = name
	c.flags = flags

	reply, err := c.transport.RequestName(name, flags)
	if err != nil {
		c.log.Errorf("request name %s: %v", name, err)
		namesRequested.WithLabelValues(errcode.NameRegistrationError.Error()).Inc()
		if cerr := c.release(); cerr != nil {
			c.log.Warnf("release after failed name request: %v", cerr)
		}
		return nil, errcode.With(errcode.NameRegistrationError, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		c.log.Warnf("request name %s: reply %d, not primary owner", name, reply)
		namesRequested.WithLabelValues(errcode.NotPrimaryOwner.Error()).Inc()
		return c, errcode.NotPrimaryOwner
	}
	c.primary = true
	namesRequested.WithLabelValues(outcomeOK).Inc()
	c.log.Infof("acquired %s on %s bus", name, c.scope)
	return c, nil
}

// Scope returns the bus the connection was opened on.
func (c *Connection) Scope() Scope { return c.scope }

// Name returns the requested well-known name, or "" for Open.
func (c *Connection) Name() string { return c.name }

// Flags returns the flags the name was requested with.
func (c *Connection) Flags() dbus.RequestNameFlags { return c.flags }

// IsPrimaryOwner reports whether Initialize obtained primary ownership of Name.
func (c *Connection) IsPrimaryOwner() bool { return c.primary }

// Connected reports whether the connection is open and the transport is alive.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport != nil && c.transport.ReadWrite()
}

// Close flushes outbound messages and releases the connection. The flush outcome is
// returned; release failures are logged. Later calls return ConnectionClosed.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return errcode.ConnectionClosed
	}
	ferr := c.transport.Flush()
	if ferr != nil {
		c.log.Warnf("flush on close: %v", ferr)
	}
	if err := c.transport.Close(); err != nil {
		c.log.Warnf("release connection: %v", err)
	}
	c.transport = nil
	if ferr != nil {
		return errcode.With(errcode.SendFailed, ferr)
	}
	return nil
}

func (c *Connection) release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return nil
	}
	err := c.transport.Close()
	c.transport = nil
	return err
}

// do runs fn with exclusive access to the transport.
func (c *Connection) do(fn func(t api.Transport) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return errcode.ConnectionClosed
	}
	return fn(c.transport)
}

// poll pumps the transport once and takes the next inbound message.
func (c *Connection) poll() (msg *dbus.Message, alive bool, err error) {
	err = c.do(func(t api.Transport) error {
		if alive = t.ReadWrite(); alive {
			msg = t.Pop()
		}
		return nil
	})
	return msg, alive, err
}

func isNil(t api.Transport) bool {
	if t == nil {
		return true
	}
	v := reflect.ValueOf(t)
	return v.Kind() == reflect.Ptr && v.IsNil()
}
