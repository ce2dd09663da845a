// Package shm provides named shared memory regions for moving bulk payloads between
// processes without copying them through the message bus.
//
// A producer creates a region and writes into it; a consumer opens the same name with the
// same size and reads it. The package does not coordinate the two sides: signal readiness
// separately, for example with a bus call that carries the region name.
//
// Create and Open are instrumented with OpenTelemetry spans, and byte counters are recorded
// on the configured meter. Both default to no-op providers.
//
// Example usage:
//
//	w, err := shm.Create(ctx, "/frames", shm.ModeOwnerRead|shm.ModeOwnerWrite, 4096)
//	// ...
//	defer w.Close()
//	_, _ = w.Write(ctx, []byte("hello world"))
//
//	r, err := shm.Open(ctx, "/frames", 4096)
//	// ...
//	defer r.Close()
//	buf := make([]byte, r.Size())
//	_, _ = r.Read(ctx, buf)
//
// Platform-specific helpers are in internal/shm.
package shm
