package transport

import (
	"errors"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"

	"github.com/srediag/shmbus/internal/logging"
)

// StarterAddressEnv names the variable the bus daemon sets for activated services.
const StarterAddressEnv = "DBUS_STARTER_ADDRESS"

var internalLogger = logging.Internal.Named("transport")

// ErrNoStarterBus is returned by ConnectStarter when the process was not bus-activated.
var ErrNoStarterBus = errors.New(StarterAddressEnv + " is not set")

// DBus is a private connection to a D-Bus daemon. Inbound method calls are queued in
// arrival order until Pop takes them; outbound messages are written synchronously.
type DBus struct {
	conn  *dbus.Conn
	inbox *Inbox
}

// ConnectSession opens a private connection to the session bus.
func ConnectSession() (*DBus, error) {
	return connect(func(opts ...dbus.ConnOption) (*dbus.Conn, error) {
		return dbus.ConnectSessionBus(opts...)
	})
}

// ConnectSystem opens a private connection to the system bus.
func ConnectSystem() (*DBus, error) {
	return connect(func(opts ...dbus.ConnOption) (*dbus.Conn, error) {
		return dbus.ConnectSystemBus(opts...)
	})
}

// ConnectStarter opens a private connection to the bus that activated this process.
func ConnectStarter() (*DBus, error) {
	addr := os.Getenv(StarterAddressEnv)
	if addr == "" {
		return nil, ErrNoStarterBus
	}
	return ConnectAddress(addr)
}

// ConnectAddress opens a private connection to the bus listening at addr.
func ConnectAddress(addr string) (*DBus, error) {
	return connect(func(opts ...dbus.ConnOption) (*dbus.Conn, error) {
		return dbus.Connect(addr, opts...)
	})
}

func connect(dial func(...dbus.ConnOption) (*dbus.Conn, error)) (*DBus, error) {
	t := &DBus{inbox: NewInbox(defaultInboxHint)}
	conn, err := dial(
		// the interceptor runs on the reader goroutine in wire order; the handler
		// runs one goroutine per call and only acknowledges it
		dbus.WithIncomingInterceptor(t.intercept),
		dbus.WithHandler(acknowledger{}),
	)
	if err != nil {
		t.inbox.Dispose()
		return nil, err
	}
	t.conn = conn
	internalLogger.Debugf("connected as %v", conn.Names())
	return t, nil
}

func (t *DBus) intercept(msg *dbus.Message) {
	if msg.Type != dbus.TypeMethodCall {
		return
	}
	if err := t.inbox.Put(msg); err != nil {
		internalLogger.Tracef("dropped inbound call: %v", err)
	}
}

// RequestName asks the daemon for name.
func (t *DBus) RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error) {
	return t.conn.RequestName(name, flags)
}

// Send writes msg. Calls that expect a reply are written too, but the reply is discarded.
// For NoReplyExpected calls the library reports only a closed connection; other write
// errors are dropped by it.
func (t *DBus) Send(msg *dbus.Message) error {
	call := t.conn.Send(msg, nil)
	if call.Err != nil {
		return fmt.Errorf("dbus send: %w", call.Err)
	}
	return nil
}

// Flush is a no-op: Send has already handed the message to the socket.
func (t *DBus) Flush() error {
	if !t.conn.Connected() {
		return dbus.ErrClosed
	}
	return nil
}

// ReadWrite reports whether the connection is alive. Reading happens on the library's
// reader goroutine.
func (t *DBus) ReadWrite() bool {
	return t.conn.Connected()
}

// Pop returns the oldest queued method call or nil.
func (t *DBus) Pop() *dbus.Message {
	return t.inbox.Pop()
}

// UniqueName returns the connection's bus-assigned name.
func (t *DBus) UniqueName() string {
	if names := t.conn.Names(); len(names) > 0 {
		return names[0]
	}
	return ""
}

// Close closes the connection and drops queued calls.
func (t *DBus) Close() error {
	t.inbox.Dispose()
	return t.conn.Close()
}

// acknowledger accepts every inbound method call on any object and interface so the
// daemon never routes an UnknownMethod error back to the caller.
type acknowledger struct{}

func (a acknowledger) LookupObject(dbus.ObjectPath) (dbus.ServerObject, bool) { return a, true }
func (a acknowledger) LookupInterface(string) (dbus.Interface, bool)          { return a, true }
func (a acknowledger) LookupMethod(string) (dbus.Method, bool)                { return ack{}, true }

type ack struct{}

// DecodeArguments skips decoding; the body is read from the queued message.
func (ack) DecodeArguments(*dbus.Conn, string, *dbus.Message, []interface{}) ([]interface{}, error) {
	return nil, nil
}

func (ack) Call(...interface{}) ([]interface{}, error) { return nil, nil }
func (ack) NumArguments() int                          { return 0 }
func (ack) NumReturns() int                            { return 0 }
func (ack) ArgumentValue(int) interface{}              { return nil }
func (ack) ReturnValue(int) interface{}                { return nil }
