package loom

// Signals is a bitmask of readiness conditions on a `Handle`.
type Signals uint32

const (
	SignalReadable Signals = 1 << iota
	SignalWritable
	SignalPeerClosed
)

func (s Signals) Has(other Signals) bool {
	return s&other != 0
}

// SignalsState is a snapshot of a handle's condition: which signals
// are currently satisfied, and which could still become satisfied.
// A requested mask with no intersection with Satisfiable can never be
// met again.
type SignalsState struct {
	Satisfied   Signals
	Satisfiable Signals
}

func (st SignalsState) Readable() bool   { return st.Satisfied.Has(SignalReadable) }
func (st SignalsState) Writable() bool   { return st.Satisfied.Has(SignalWritable) }
func (st SignalsState) PeerClosed() bool { return st.Satisfied.Has(SignalPeerClosed) }

// Handle is one end of a communication primitive, registrable with a
// `WaitSet`. Identity is stable and unique for the life of the
// process.
type Handle interface {
	ID() uint64

	// Signals queries the current state. Callable from any goroutine,
	// including after Close (everything is unsatisfiable then).
	Signals() SignalsState

	// Watch registers an observer for state changes and closure.
	// Returns ErrHandleClosed if the handle is already closed.
	Watch(SignalObserver) error
	Unwatch(SignalObserver)
}

// SignalObserver receives handle state transitions. Callbacks may be
// invoked from any goroutine, including the one closing the handle,
// but never while the handle's internal lock is held: it is safe to
// call back into the handle.
type SignalObserver interface {
	OnSignalsChanged(h Handle, st SignalsState)

	// OnHandleClosed fires exactly once, when the watched handle is
	// closed by its owner. No OnSignalsChanged follows it.
	OnHandleClosed(h Handle)
}
