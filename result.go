package loom

// Result describes the outcome reported for a single handle slot in
// `WaitSet.Wait`.
type Result uint8

const (
	// ResultUnknown is the zero value; a slot never written by a
	// `Wait` call stays at this value.
	ResultUnknown Result = iota

	// ResultOk means one of the requested signals is satisfied. The
	// handle stays registered: readiness is level-triggered and a
	// later transition can produce another ResultOk.
	ResultOk

	// ResultFailedPrecondition means the requested signals can never
	// be satisfied again (for example the peer closed with no pending
	// data). Terminal: the handle is removed from the set when
	// reported.
	ResultFailedPrecondition

	// ResultCancelled means the handle was closed by its owner while
	// registered. Terminal: the handle is removed from the set when
	// reported.
	ResultCancelled

	// ResultNotFound and ResultResourceExhausted are operation-level
	// codes, kept so callers can map add/remove sentinel errors onto
	// the same taxonomy as wait outcomes.
	ResultNotFound
	ResultResourceExhausted
)

func (r Result) String() string {
	switch r {
	case ResultOk:
		return "ok"
	case ResultFailedPrecondition:
		return "failed precondition"
	case ResultCancelled:
		return "cancelled"
	case ResultNotFound:
		return "not found"
	case ResultResourceExhausted:
		return "resource exhausted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the result removes the handle from its
// wait set once delivered.
func (r Result) Terminal() bool {
	return r == ResultFailedPrecondition || r == ResultCancelled
}
