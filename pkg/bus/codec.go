package bus

import (
	"strings"
	"unicode/utf8"

	"github.com/godbus/dbus/v5"

	"github.com/srediag/shmbus/pkg/errcode"
)

// MaxPayloadSize bounds the payload of a single call.
const MaxPayloadSize = 4096

// Call is a method call in the fixed (int32 commandType, string payload) shape.
type Call struct {
	Destination string
	// Path defaults to the destination with dots turned into slashes.
	Path string
	// Interface defaults to the destination.
	Interface   string
	Member      string
	CommandType int32
	// Payload is optional. It must be valid UTF-8 without NUL bytes.
	Payload []byte
}

// DefaultPath returns the object path conventionally exported by destination, for example
// "/com/example/Service" for "com.example.Service".
func DefaultPath(destination string) dbus.ObjectPath {
	return dbus.ObjectPath("/" + strings.ReplaceAll(destination, ".", "/"))
}

// NewMethodCall builds the message for call. It requests auto-start of the destination
// and sets NoReplyExpected.
func NewMethodCall(call Call) (*dbus.Message, error) {
	if len(call.Payload) > MaxPayloadSize {
		return nil, errcode.PayloadExceedsFrame
	}
	if !validBusName(call.Destination) {
		return nil, errcode.MessageConstructionFailed
	}
	path := dbus.ObjectPath(call.Path)
	if path == "" {
		path = DefaultPath(call.Destination)
	}
	iface := call.Interface
	if iface == "" {
		iface = call.Destination
	}

	msg := &dbus.Message{
		Type:  dbus.TypeMethodCall,
		Flags: dbus.FlagNoReplyExpected,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldDestination: dbus.MakeVariant(call.Destination),
			dbus.FieldPath:        dbus.MakeVariant(path),
			dbus.FieldInterface:   dbus.MakeVariant(iface),
			dbus.FieldMember:      dbus.MakeVariant(call.Member),
		},
	}
	if err := msg.IsValid(); err != nil {
		return nil, errcode.With(errcode.MessageConstructionFailed, err)
	}

	msg.Body = []interface{}{call.CommandType}
	if len(call.Payload) > 0 {
		if !utf8.Valid(call.Payload) || strings.IndexByte(string(call.Payload), 0) >= 0 {
			return nil, errcode.ArgumentEncodingFailed
		}
		msg.Body = append(msg.Body, string(call.Payload))
	}
	msg.Headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.SignatureOf(msg.Body...))
	if err := msg.IsValid(); err != nil {
		return nil, errcode.With(errcode.ArgumentEncodingFailed, err)
	}
	return msg, nil
}

// validBusName accepts unique (":1.42") and well-known ("com.example.Service") names.
func validBusName(s string) bool {
	if len(s) == 0 || len(s) > 255 {
		return false
	}
	unique := s[0] == ':'
	if unique {
		s = s[1:]
	}
	elems := strings.Split(s, ".")
	if len(elems) < 2 {
		return false
	}
	for _, e := range elems {
		if e == "" || (!unique && e[0] >= '0' && e[0] <= '9') {
			return false
		}
		for _, c := range e {
			if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c == '_' || c == '-') {
				return false
			}
		}
	}
	return true
}

// DecodeMethodCall reads the command type and the optional payload from msg. Arguments
// past the second are ignored.
func DecodeMethodCall(msg *dbus.Message) (cmdType int32, payload string, err error) {
	if len(msg.Body) == 0 {
		return 0, "", errcode.NoArguments
	}
	cmdType, ok := msg.Body[0].(int32)
	if !ok {
		return 0, "", errcode.FirstArgumentTypeMismatch
	}
	if len(msg.Body) > 1 {
		if payload, ok = msg.Body[1].(string); !ok {
			return 0, "", errcode.SecondArgumentTypeMismatch
		}
	}
	return cmdType, payload, nil
}

// Filter selects which inbound calls a Listener returns.
type Filter struct {
	// Interface, when set, must equal the call's interface.
	Interface string
	// Method, when set, must equal the call's member.
	Method string
}

// Matches reports whether msg passes f. With an interface set, msg must also be a method
// call.
func (f Filter) Matches(msg *dbus.Message) bool {
	member, _ := msg.Headers[dbus.FieldMember].Value().(string)
	if f.Method != "" && member != f.Method {
		return false
	}
	if f.Interface == "" {
		return true
	}
	iface, _ := msg.Headers[dbus.FieldInterface].Value().(string)
	return msg.Type == dbus.TypeMethodCall && iface == f.Interface
}
