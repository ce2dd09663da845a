package bus

import (
	"github.com/srediag/shmbus/api"
	"github.com/srediag/shmbus/internal/logging"
	"github.com/srediag/shmbus/pkg/errcode"
)

// Sender sends fire-and-forget method calls on a Connection.
type Sender struct {
	conn *Connection
	log  *logging.Logger
}

// NewSender returns a Sender for conn. The Sender does not own conn.
func NewSender(conn *Connection) *Sender {
	return &Sender{conn: conn, log: conn.log.Named("sender")}
}

// Send encodes call, hands it to the bus and flushes. It does not wait for a reply.
func (s *Sender) Send(call Call) error {
	err := s.send(call)
	callsSent.WithLabelValues(outcome(err)).Inc()
	return err
}

func (s *Sender) send(call Call) error {
	msg, err := NewMethodCall(call)
	if err != nil {
		s.log.Debugf("encode %s.%s: %v", call.Destination, call.Member, err)
		return err
	}
	return s.conn.do(func(t api.Transport) error {
		if err := t.Send(msg); err != nil {
			s.log.Warnf("send to %s: %v", call.Destination, err)
			return errcode.With(errcode.SendFailed, err)
		}
		if err := t.Flush(); err != nil {
			s.log.Warnf("flush after send to %s: %v", call.Destination, err)
			return errcode.With(errcode.SendFailed, err)
		}
		s.log.Tracef("sent %s.%s cmd=%d len=%d", call.Destination, call.Member, call.CommandType, len(call.Payload))
		return nil
	})
}
