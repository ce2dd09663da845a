// Package bus sends and receives method calls of a fixed two-field shape over D-Bus.
//
// A Connection is opened on the session, system or starter bus with Open, or opened and
// registered under a well-known name with Initialize. A Sender sends calls carrying an
// int32 command type and an optional string payload; a Listener polls the connection
// until a call matching its Filter arrives and copies the payload into a caller buffer.
//
//	srv, err := bus.Initialize(bus.Session, "com.example.Frames", dbus.NameFlagDoNotQueue)
//	// ...
//	defer srv.Close()
//	buf := make([]byte, bus.MinBufferSize)
//	cmd, n, err := bus.NewListener(srv).Listen(bus.Filter{Method: "Ping"}, buf)
//
// Every operation reports failures as errcode values. Counters for connections, name
// requests and calls are registered with the default Prometheus registry.
package bus
