package bustest

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCall(dest, member string, body ...interface{}) *dbus.Message {
	msg := &dbus.Message{
		Type:  dbus.TypeMethodCall,
		Flags: dbus.FlagNoReplyExpected,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldDestination: dbus.MakeVariant(dest),
			dbus.FieldPath:        dbus.MakeVariant(dbus.ObjectPath("/com/example/Test")),
			dbus.FieldInterface:   dbus.MakeVariant("com.example.Test"),
			dbus.FieldMember:      dbus.MakeVariant(member),
		},
		Body: body,
	}
	if len(body) > 0 {
		msg.Headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.SignatureOf(body...))
	}
	return msg
}

func TestNameOwnershipRules(t *testing.T) {
	h := NewHub()
	a, err := h.Connect()
	require.NoError(t, err)
	b, err := h.Connect()
	require.NoError(t, err)
	c, err := h.Connect()
	require.NoError(t, err)

	reply, err := a.RequestName("com.example.Test", 0)
	require.NoError(t, err)
	assert.Equal(t, dbus.RequestNameReplyPrimaryOwner, reply)

	reply, _ = a.RequestName("com.example.Test", dbus.NameFlagAllowReplacement)
	assert.Equal(t, dbus.RequestNameReplyAlreadyOwner, reply)

	reply, _ = b.RequestName("com.example.Test", 0)
	assert.Equal(t, dbus.RequestNameReplyInQueue, reply)

	reply, _ = c.RequestName("com.example.Test", dbus.NameFlagDoNotQueue)
	assert.Equal(t, dbus.RequestNameReplyExists, reply)

	// a allowed replacement, c asks for it
	reply, _ = c.RequestName("com.example.Test", dbus.NameFlagReplaceExisting)
	assert.Equal(t, dbus.RequestNameReplyPrimaryOwner, reply)
	assert.Equal(t, c.UniqueName(), h.Owner("com.example.Test"))

	require.NoError(t, c.Close())
	assert.Equal(t, a.UniqueName(), h.Owner("com.example.Test"))
	require.NoError(t, a.Close())
	assert.Equal(t, b.UniqueName(), h.Owner("com.example.Test"))
	require.NoError(t, b.Close())
	assert.Equal(t, "", h.Owner("com.example.Test"))
}

func TestReplaceWithoutPermission(t *testing.T) {
	h := NewHub()
	a, _ := h.Connect()
	b, _ := h.Connect()
	_, _ = a.RequestName("com.example.Test", 0)

	reply, err := b.RequestName("com.example.Test", dbus.NameFlagReplaceExisting|dbus.NameFlagDoNotQueue)
	require.NoError(t, err)
	assert.Equal(t, dbus.RequestNameReplyExists, reply)
	assert.Equal(t, a.UniqueName(), h.Owner("com.example.Test"))
}

func TestRoutingByNameAndUniqueName(t *testing.T) {
	h := NewHub()
	server, _ := h.Connect()
	client, _ := h.Connect()
	_, _ = server.RequestName("com.example.Test", 0)

	require.NoError(t, client.Send(newCall("com.example.Test", "Ping", int32(1))))
	require.NoError(t, client.Send(newCall(server.UniqueName(), "Pong", int32(2), "x")))
	require.NoError(t, client.Send(newCall("com.example.Nobody", "Lost", int32(3))))
	assert.Equal(t, int64(2), server.Pending())
	assert.Len(t, client.Sent(), 3)

	msg := server.Pop()
	require.NotNil(t, msg)
	assert.Equal(t, "Ping", msg.Headers[dbus.FieldMember].Value())
	assert.Equal(t, client.UniqueName(), msg.Headers[dbus.FieldSender].Value())

	msg = server.Pop()
	require.NotNil(t, msg)
	assert.Equal(t, []interface{}{int32(2), "x"}, msg.Body)
	assert.Nil(t, server.Pop())
}

func TestSendRejectsInvalidMessage(t *testing.T) {
	h := NewHub()
	client, _ := h.Connect()
	bad := newCall("com.example.Test", "not a member", int32(1))
	assert.Error(t, client.Send(bad))
	assert.Empty(t, client.Sent())
}

func TestFailureSwitches(t *testing.T) {
	h := NewHub()
	boom := errors.New("boom")

	h.FailDial(boom)
	_, err := h.Dial()
	assert.Equal(t, boom, err)
	h.FailDial(nil)

	c, err := h.Connect()
	require.NoError(t, err)

	h.FailRequestName(boom)
	_, err = c.RequestName("com.example.Test", 0)
	assert.Equal(t, boom, err)

	h.FailSend(boom)
	assert.Equal(t, boom, c.Send(newCall(c.UniqueName(), "Ping", int32(1))))
	h.FailSend(nil)

	h.FailFlush(boom)
	assert.Equal(t, boom, c.Flush())
	h.FailFlush(nil)
	assert.NoError(t, c.Flush())
}

func TestDisconnectAndClose(t *testing.T) {
	h := NewHub()
	c, _ := h.Connect()
	_, _ = c.RequestName("com.example.Test", 0)
	assert.True(t, c.ReadWrite())

	h.Disconnect(c)
	assert.False(t, c.ReadWrite())
	assert.Equal(t, "", h.Owner("com.example.Test"))
	assert.Equal(t, ErrDisconnected, c.Send(newCall("x.y", "Ping", int32(1))))

	require.NoError(t, c.Close())
	assert.Equal(t, ErrClosed, c.Close())
	_, err := c.RequestName("com.example.Test", 0)
	assert.Equal(t, ErrClosed, err)
}

func TestInjectSkipsValidation(t *testing.T) {
	h := NewHub()
	c, _ := h.Connect()
	msg := newCall(c.UniqueName(), "Ping")
	msg.Body = []interface{}{"not an int"}
	assert.True(t, h.Inject(":1.99", c.UniqueName(), msg))
	assert.False(t, h.Inject(":1.99", "com.example.Nobody", msg))

	got := c.Pop()
	require.NotNil(t, got)
	assert.Equal(t, ":1.99", got.Headers[dbus.FieldSender].Value())
	assert.Nil(t, msg.Headers[dbus.FieldSender].Value(), "original must be untouched")
}
