// Package bustest provides an in-memory message bus for tests. A Hub plays the part of the
// bus daemon: it hands out unique names, arbitrates well-known name ownership and routes
// messages by destination to per-connection inboxes.
package bustest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"

	"github.com/srediag/shmbus/api"
	"github.com/srediag/shmbus/internal/transport"
)

// ErrClosed is returned by a Conn after Close.
var ErrClosed = errors.New("bustest: connection closed")

// ErrDisconnected is returned by Send after Disconnect.
var ErrDisconnected = errors.New("bustest: connection lost")

type waiter struct {
	conn  *Conn
	flags dbus.RequestNameFlags
}

type ownership struct {
	owner waiter
	queue []waiter
}

// Hub is an in-memory bus daemon.
type Hub struct {
	mu     sync.Mutex
	serial int
	conns  map[string]*Conn
	names  map[string]*ownership

	dialErr    error
	sendErr    error
	flushErr   error
	requestErr error
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]*Conn),
		names: make(map[string]*ownership),
	}
}

// FailDial makes the next dials fail with err. Pass nil to restore.
func (h *Hub) FailDial(err error) { h.mu.Lock(); h.dialErr = err; h.mu.Unlock() }

// FailSend makes every Send fail with err. Pass nil to restore.
func (h *Hub) FailSend(err error) { h.mu.Lock(); h.sendErr = err; h.mu.Unlock() }

// FailFlush makes every Flush fail with err. Pass nil to restore.
func (h *Hub) FailFlush(err error) { h.mu.Lock(); h.flushErr = err; h.mu.Unlock() }

// FailRequestName makes every RequestName fail with err. Pass nil to restore.
func (h *Hub) FailRequestName(err error) { h.mu.Lock(); h.requestErr = err; h.mu.Unlock() }

// Dial connects a new client and returns it as an api.Transport.
func (h *Hub) Dial() (api.Transport, error) {
	c, err := h.Connect()
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Connect connects a new client.
func (h *Hub) Connect() (*Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dialErr != nil {
		return nil, h.dialErr
	}
	h.serial++
	c := &Conn{
		hub:   h,
		name:  fmt.Sprintf(":1.%d", h.serial),
		inbox: transport.NewInbox(0),
	}
	c.alive.Store(true)
	h.conns[c.name] = c
	return c, nil
}

// Owner returns the unique name owning name, or "" when nobody does.
func (h *Hub) Owner(name string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if o, ok := h.names[name]; ok {
		return o.owner.conn.name
	}
	return ""
}

// Disconnect simulates the daemon dropping c. Ownership is released and c reports itself
// dead from ReadWrite.
func (h *Hub) Disconnect(c *Conn) {
	c.alive.Store(false)
	h.mu.Lock()
	h.release(c)
	h.mu.Unlock()
}

// Inject delivers msg to dest as if sender had sent it. Unlike Send it skips validation,
// so tests can deliver bodies no well-behaved client would produce.
func (h *Hub) Inject(sender, dest string, msg *dbus.Message) bool {
	h.mu.Lock()
	target := h.lookup(dest)
	h.mu.Unlock()
	if target == nil {
		return false
	}
	return target.deliver(sender, msg) == nil
}

func (h *Hub) lookup(dest string) *Conn {
	if c, ok := h.conns[dest]; ok {
		return c
	}
	if o, ok := h.names[dest]; ok {
		return o.owner.conn
	}
	return nil
}

func (h *Hub) requestName(c *Conn, name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.requestErr != nil {
		return 0, h.requestErr
	}
	me := waiter{conn: c, flags: flags}
	o, ok := h.names[name]
	if !ok {
		h.names[name] = &ownership{owner: me}
		return dbus.RequestNameReplyPrimaryOwner, nil
	}
	if o.owner.conn == c {
		o.owner.flags = flags
		return dbus.RequestNameReplyAlreadyOwner, nil
	}
	if o.owner.flags&dbus.NameFlagAllowReplacement != 0 && flags&dbus.NameFlagReplaceExisting != 0 {
		prev := o.owner
		o.owner = me
		o.queue = removeWaiter(o.queue, c)
		if prev.flags&dbus.NameFlagDoNotQueue == 0 {
			o.queue = append([]waiter{prev}, o.queue...)
		}
		return dbus.RequestNameReplyPrimaryOwner, nil
	}
	if flags&dbus.NameFlagDoNotQueue != 0 {
		o.queue = removeWaiter(o.queue, c)
		return dbus.RequestNameReplyExists, nil
	}
	if i := indexWaiter(o.queue, c); i >= 0 {
		o.queue[i].flags = flags
	} else {
		o.queue = append(o.queue, me)
	}
	return dbus.RequestNameReplyInQueue, nil
}

// release must be called with h.mu held.
func (h *Hub) release(c *Conn) {
	delete(h.conns, c.name)
	for name, o := range h.names {
		o.queue = removeWaiter(o.queue, c)
		if o.owner.conn != c {
			continue
		}
		if len(o.queue) == 0 {
			delete(h.names, name)
			continue
		}
		o.owner, o.queue = o.queue[0], o.queue[1:]
	}
}

func (h *Hub) route(from *Conn, msg *dbus.Message) error {
	h.mu.Lock()
	if h.sendErr != nil {
		err := h.sendErr
		h.mu.Unlock()
		return err
	}
	dest, _ := msg.Headers[dbus.FieldDestination].Value().(string)
	target := h.lookup(dest)
	h.mu.Unlock()
	if target == nil {
		// the daemon would answer with ServiceUnknown; senders that set
		// NoReplyExpected never see it
		return nil
	}
	return target.deliver(from.name, msg)
}

func indexWaiter(q []waiter, c *Conn) int {
	for i, w := range q {
		if w.conn == c {
			return i
		}
	}
	return -1
}

func removeWaiter(q []waiter, c *Conn) []waiter {
	if i := indexWaiter(q, c); i >= 0 {
		return append(q[:i], q[i+1:]...)
	}
	return q
}

// Conn is one client of a Hub. It implements api.Transport.
type Conn struct {
	hub   *Hub
	name  string
	inbox *transport.Inbox
	alive atomic.Bool

	mu     sync.Mutex
	closed bool
	sent   []*dbus.Message
}

var _ api.Transport = (*Conn)(nil)

// UniqueName returns the hub-assigned name.
func (c *Conn) UniqueName() string { return c.name }

// RequestName follows the bus daemon's ownership rules.
func (c *Conn) RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}
	return c.hub.requestName(c, name, flags)
}

// Send validates msg and routes it to its destination.
func (c *Conn) Send(msg *dbus.Message) error {
	if c.isClosed() {
		return ErrClosed
	}
	if !c.alive.Load() {
		return ErrDisconnected
	}
	if err := msg.IsValid(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return c.hub.route(c, msg)
}

// Flush returns the error set with FailFlush, if any.
func (c *Conn) Flush() error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.hub.flushErr
}

// ReadWrite reports whether c is still connected.
func (c *Conn) ReadWrite() bool {
	return c.alive.Load() && !c.isClosed()
}

// Pop returns the next delivered message or nil.
func (c *Conn) Pop() *dbus.Message {
	return c.inbox.Pop()
}

// Pending returns the number of delivered messages not yet popped.
func (c *Conn) Pending() int64 {
	return c.inbox.Len()
}

// Sent returns the messages c has sent successfully or attempted to route.
func (c *Conn) Sent() []*dbus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*dbus.Message(nil), c.sent...)
}

// Close disconnects c and releases its names.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	c.alive.Store(false)
	c.inbox.Dispose()
	c.hub.mu.Lock()
	c.hub.release(c)
	c.hub.mu.Unlock()
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) deliver(sender string, msg *dbus.Message) error {
	cp := *msg
	cp.Headers = make(map[dbus.HeaderField]dbus.Variant, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		cp.Headers[k] = v
	}
	cp.Headers[dbus.FieldSender] = dbus.MakeVariant(sender)
	return c.inbox.Put(&cp)
}
