// Package runtime is the bridge between a Go module and the bus.
//
// A Runtime owns one bus.Handle. Binding a Subscriber walks the module
// manifest and registers one callback per provided command and per variable
// of every requirement; the bus then invokes those callbacks from its own
// goroutines and the Runtime routes them to the Subscriber, converting
// payloads to and from cty values on the way.
//
// Lifecycle:
//
//	rt := runtime.New(handle)
//	defer rt.Close()
//	if err := rt.Bind(ctx, sub); err != nil { ... }
//
// Bind runs once; later calls are no-ops returning the first result. Close
// detaches the Subscriber before releasing the handle, so a callback racing
// with shutdown fails with ErrInternal instead of reaching a torn-down
// module. Handlers may call other modules and publish variables through the
// embedded Client at any time, including from inside a dispatch.
package runtime
