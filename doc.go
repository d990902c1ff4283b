// Package loom provides two low-level primitives for building
// messaging layers on top of goroutines:
//
// A `ChannelProxy` lets an owner goroutine send and receive messages
// over a `Channel` whose actual I/O runs on a dedicated `Runner`
// goroutine. Sends are handed off without blocking the owner, inbound
// messages traverse an ordered `MessageFilter` chain on the runner,
// and whatever the filters do not consume is delivered back to the
// owner's `Listener` on the owner's own runner.
//
// A `WaitSet` multiplexes readiness over a dynamic set of `Handle`s:
// any goroutine may add or remove handles, any goroutine may close a
// registered handle, and a goroutine blocked in `Wait` observes every
// readiness change, unsatisfiable mask and cancellation exactly once,
// however small the output capacity of each call.
//
// ## Design Principles
//
// > `loom` is **explicit about contexts**, and **never drops an event**.
//
// ### Explicit Contexts
//
// Everything that crosses the boundary between the owner goroutine and
// the I/O goroutine does so by posting a task to a `Runner`. There is
// no hidden locking around user callbacks: filters always run on the
// I/O runner, listeners always run on the owner runner, and the few
// locks that do exist (the channel-lifetime lock, the pending-filter
// lock, the wait set's table lock) guard data, not user code.
//
// ### Never Drop An Event
//
// A handle that reaches a terminal state while registered in a
// `WaitSet` is reported exactly once, even when the caller's output
// capacity forces the report onto a later `Wait` call, and even when
// the handle was closed from another goroutine while `Wait` was
// blocked. The cost of this guarantee is asymmetry elsewhere: `Close`
// on a proxy is asynchronous and best-effort, so filters can still be
// notified (and released) on the I/O runner after the owner has moved
// on. That is documented behavior, not a leak.
//
// Channels are pluggable. The in-process implementation runs over a
// `Pipe` pair; `WireConfig` provides a QUIC-backed channel for
// endpoints living in different processes, secured by caller-supplied
// mTLS configuration.
package loom
