package bus

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmbus/api"
	"github.com/srediag/shmbus/internal/bustest"
	"github.com/srediag/shmbus/pkg/errcode"
)

const service = "com.example.PingPong"

type BusTestSuite struct {
	suite.Suite
	hub   *bustest.Hub
	conns []*bustest.Conn
}

func (s *BusTestSuite) SetupTest() {
	s.hub = bustest.NewHub()
	s.conns = nil
}

func (s *BusTestSuite) dialer() Option {
	return WithDialer(func(Scope) (api.Transport, error) {
		c, err := s.hub.Connect()
		if err != nil {
			return nil, err
		}
		s.conns = append(s.conns, c)
		return c, nil
	})
}

func (s *BusTestSuite) last() *bustest.Conn {
	return s.conns[len(s.conns)-1]
}

func (s *BusTestSuite) server() *Connection {
	c, err := Initialize(Session, service, dbus.NameFlagDoNotQueue, s.dialer())
	s.Require().NoError(err)
	s.True(c.IsPrimaryOwner())
	return c
}

func (s *BusTestSuite) client() *Connection {
	c, err := Open(Session, s.dialer())
	s.Require().NoError(err)
	return c
}

func (s *BusTestSuite) TestOpenNormalizesScope() {
	var got Scope = -1
	c, err := Open(Scope(7), WithDialer(func(scope Scope) (api.Transport, error) {
		got = scope
		return s.hub.Dial()
	}))
	s.Require().NoError(err)
	s.Equal(Session, got)
	s.Equal(Session, c.Scope())
	s.True(c.Connected())
	s.NoError(c.Close())
}

func (s *BusTestSuite) TestOpenFailures() {
	boom := errors.New("no daemon")
	s.hub.FailDial(boom)
	_, err := Open(System, s.dialer())
	s.ErrorIs(err, errcode.ConnectionError)
	s.Contains(err.Error(), "no daemon")
	s.False(errors.Is(err, boom), "library errors are not returned")

	_, err = Open(System, WithDialer(func(Scope) (api.Transport, error) { return nil, nil }))
	s.Equal(errcode.ConnectionNull, err)

	_, err = Open(System, WithDialer(func(Scope) (api.Transport, error) {
		var c *bustest.Conn
		return c, nil
	}))
	s.Equal(errcode.ConnectionNull, err)
}

func (s *BusTestSuite) TestInitializeNotPrimaryOwnerStaysOpen() {
	first := s.server()
	defer first.Close()

	second, err := Initialize(Session, service, dbus.NameFlagDoNotQueue, s.dialer())
	s.Equal(errcode.NotPrimaryOwner, err)
	s.Require().NotNil(second)
	s.False(second.IsPrimaryOwner())
	s.Equal(service, second.Name())
	s.Equal(dbus.NameFlagDoNotQueue, second.Flags())
	s.True(second.Connected())

	// still usable
	s.NoError(NewSender(second).Send(Call{Destination: service, Member: "Ping", CommandType: 1}))
	s.NoError(second.Close())
}

func (s *BusTestSuite) TestInitializeQueuedIsNotPrimary() {
	first := s.server()
	defer first.Close()

	queued, err := Initialize(Session, service, 0, s.dialer())
	s.Equal(errcode.NotPrimaryOwner, err)
	defer queued.Close()

	s.NoError(first.Close())
	s.Equal(s.last().UniqueName(), s.hub.Owner(service))
}

func (s *BusTestSuite) TestInitializeRequestFailureClosesConnection() {
	s.hub.FailRequestName(errors.New("denied"))
	c, err := Initialize(Session, service, 0, s.dialer())
	s.Nil(c)
	s.ErrorIs(err, errcode.NameRegistrationError)
	s.False(s.last().ReadWrite())
}

func (s *BusTestSuite) TestCloseOnce() {
	c := s.client()
	s.NoError(c.Close())
	s.False(c.Connected())
	s.Equal(errcode.ConnectionClosed, c.Close())

	s.Equal(errcode.ConnectionClosed, NewSender(c).Send(Call{Destination: service, Member: "Ping"}))
	_, _, err := NewListener(c).Listen(Filter{Method: "Ping"}, make([]byte, MinBufferSize))
	s.Equal(errcode.ConnectionClosed, err)
}

func (s *BusTestSuite) TestCloseReturnsFlushOutcome() {
	c := s.client()
	t := s.last()
	s.hub.FailFlush(errors.New("broken pipe"))
	err := c.Close()
	s.ErrorIs(err, errcode.SendFailed)
	s.False(t.ReadWrite(), "transport released despite flush failure")
	s.Equal(errcode.ConnectionClosed, c.Close())
}

func (s *BusTestSuite) TestPingPong() {
	srv := s.server()
	defer srv.Close()
	cli := s.client()
	defer cli.Close()

	snd := NewSender(cli)
	s.Require().NoError(snd.Send(Call{Destination: service, Interface: service, Member: "Pong", CommandType: 9}))
	s.Require().NoError(snd.Send(Call{Destination: service, Interface: "com.example.Other", Member: "Ping", CommandType: 8}))
	s.Require().NoError(snd.Send(Call{Destination: service, Interface: service, Member: "Ping", CommandType: 7, Payload: []byte("hello")}))

	buf := make([]byte, MinBufferSize)
	cmd, n, err := NewListener(srv).Listen(Filter{Interface: service, Method: "Ping"}, buf)
	s.Require().NoError(err)
	s.Equal(int32(7), cmd)
	s.Equal(5, n)
	s.Equal("hello", string(buf[:n]))
}

func (s *BusTestSuite) TestMethodFilterWaitsPastOtherMembers() {
	srv := s.server()
	defer srv.Close()
	cli := s.client()
	defer cli.Close()

	snd := NewSender(cli)
	s.Require().NoError(snd.Send(Call{Destination: service, Member: "pong", CommandType: 3}))

	type result struct {
		cmd int32
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, MinBufferSize)
		cmd, n, err := NewListener(srv).Listen(Filter{Method: "ping"}, buf)
		done <- result{cmd, n, err}
	}()

	select {
	case r := <-done:
		s.FailNow("listener returned for pong", "%+v", r)
	case <-time.After(20 * time.Millisecond):
	}

	s.Require().NoError(snd.Send(Call{Destination: service, Member: "ping", CommandType: 7}))
	select {
	case r := <-done:
		s.Require().NoError(r.err)
		s.Equal(int32(7), r.cmd)
		s.Zero(r.n)
	case <-time.After(2 * time.Second):
		s.FailNow("ping not received")
	}
	s.Zero(s.conns[0].Pending())
}

func (s *BusTestSuite) TestOrderPreserved() {
	srv := s.server()
	defer srv.Close()
	cli := s.client()
	defer cli.Close()

	snd := NewSender(cli)
	for i := int32(0); i < 20; i++ {
		s.Require().NoError(snd.Send(Call{Destination: service, Member: "Ping", CommandType: i}))
	}
	l := NewListener(srv)
	buf := make([]byte, MinBufferSize)
	for i := int32(0); i < 20; i++ {
		cmd, n, err := l.Listen(Filter{Method: "Ping"}, buf)
		s.Require().NoError(err)
		s.Equal(i, cmd)
		s.Zero(n)
	}
}

func (s *BusTestSuite) TestBufferTooSmallConsumesNothing() {
	srv := s.server()
	defer srv.Close()
	cli := s.client()
	defer cli.Close()
	s.Require().NoError(NewSender(cli).Send(Call{Destination: service, Member: "Ping", CommandType: 1}))

	l := NewListener(srv)
	_, _, err := l.Listen(Filter{Method: "Ping"}, make([]byte, MinBufferSize-1))
	s.Equal(errcode.BufferTooSmall, err)
	s.Equal(int64(1), s.conns[0].Pending())

	cmd, _, err := l.Listen(Filter{Method: "Ping"}, make([]byte, MinBufferSize))
	s.NoError(err)
	s.Equal(int32(1), cmd)
}

func (s *BusTestSuite) TestDecodeFailuresAreReturned() {
	srv := s.server()
	defer srv.Close()
	l := NewListener(srv)
	buf := make([]byte, MinBufferSize)

	inject := func(body ...interface{}) {
		msg := &dbus.Message{
			Type: dbus.TypeMethodCall,
			Headers: map[dbus.HeaderField]dbus.Variant{
				dbus.FieldPath:      dbus.MakeVariant(DefaultPath(service)),
				dbus.FieldInterface: dbus.MakeVariant(service),
				dbus.FieldMember:    dbus.MakeVariant("Ping"),
			},
			Body: body,
		}
		s.Require().True(s.hub.Inject(":1.99", service, msg))
	}

	inject()
	_, _, err := l.Listen(Filter{Method: "Ping"}, buf)
	s.Equal(errcode.NoArguments, err)

	inject("wrong")
	_, _, err = l.Listen(Filter{Method: "Ping"}, buf)
	s.Equal(errcode.FirstArgumentTypeMismatch, err)

	inject(int32(1), uint64(2))
	_, _, err = l.Listen(Filter{Method: "Ping"}, buf)
	s.Equal(errcode.SecondArgumentTypeMismatch, err)

	inject(int32(1), strings.Repeat("z", MinBufferSize+1))
	_, _, err = l.Listen(Filter{Method: "Ping"}, buf)
	s.Equal(errcode.PayloadTooLarge, err)

	big := make([]byte, 2*MinBufferSize)
	inject(int32(2), strings.Repeat("z", MinBufferSize+1))
	cmd, n, err := l.Listen(Filter{Method: "Ping"}, big)
	s.NoError(err)
	s.Equal(int32(2), cmd)
	s.Equal(MinBufferSize+1, n)
}

func (s *BusTestSuite) TestConnectionLost() {
	srv := s.server()
	defer srv.Close()

	done := make(chan error, 1)
	go func() {
		_, _, err := NewListener(srv, WithPollInterval(time.Millisecond)).Listen(Filter{Method: "Ping"}, make([]byte, MinBufferSize))
		done <- err
	}()
	time.Sleep(5 * time.Millisecond)
	s.hub.Disconnect(s.conns[0])

	select {
	case err := <-done:
		s.Equal(errcode.ConnectionLost, err)
	case <-time.After(2 * time.Second):
		s.Fail("listener did not notice the lost connection")
	}
	s.False(srv.Connected())
}

func (s *BusTestSuite) TestListenContextDeadline() {
	srv := s.server()
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := NewListener(srv).ListenContext(ctx, Filter{Method: "Ping"}, make([]byte, MinBufferSize))
	s.ErrorIs(err, context.DeadlineExceeded)
}

func (s *BusTestSuite) TestSendWhileListening() {
	srv := s.server()
	defer srv.Close()

	done := make(chan int32, 1)
	go func() {
		cmd, _, err := NewListener(srv).Listen(Filter{Method: "Ping"}, make([]byte, MinBufferSize))
		s.NoError(err)
		done <- cmd
	}()

	// the server sends to itself on the same connection while its listener polls
	time.Sleep(2 * time.Millisecond)
	s.Require().NoError(NewSender(srv).Send(Call{Destination: service, Member: "Ping", CommandType: 11}))
	select {
	case cmd := <-done:
		s.Equal(int32(11), cmd)
	case <-time.After(2 * time.Second):
		s.Fail("call not delivered")
	}
}

func (s *BusTestSuite) TestSendFailures() {
	cli := s.client()
	defer cli.Close()
	snd := NewSender(cli)

	before := counterValue(callsSent.WithLabelValues(errcode.SendFailed.Error()))
	s.hub.FailSend(errors.New("EPIPE"))
	err := snd.Send(Call{Destination: service, Member: "Ping"})
	s.ErrorIs(err, errcode.SendFailed)
	s.Equal(int32(4), errcode.Value(err))
	s.Equal(before+1, counterValue(callsSent.WithLabelValues(errcode.SendFailed.Error())))
	s.hub.FailSend(nil)

	s.hub.FailFlush(errors.New("EPIPE"))
	s.ErrorIs(snd.Send(Call{Destination: service, Member: "Ping"}), errcode.SendFailed)
	s.hub.FailFlush(nil)

	s.Equal(errcode.PayloadExceedsFrame, snd.Send(Call{Destination: service, Member: "Ping", Payload: make([]byte, MaxPayloadSize+1)}))
	s.Len(s.last().Sent(), 2, "rejected calls never reach the transport")
}

func counterValue(c interface{ Write(*dto.Metric) error }) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return -1
	}
	return m.GetCounter().GetValue()
}

func TestBusTestSuite(t *testing.T) {
	suite.Run(t, new(BusTestSuite))
}
