package loom

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"
)

// WaitSet multiplexes readiness over a dynamic set of handles. Any
// goroutine may add or remove handles or close a registered handle;
// a goroutine blocked in `Wait` is woken without its cooperation.
//
// Every handle that reaches a terminal state (unsatisfiable mask or
// cancellation) while registered is reported by exactly one `Wait`
// call, however many calls it takes under capacity pressure, and is
// removed from the set at the moment it is reported.
type WaitSet struct {
	logger  *slog.Logger
	msink   metrics.MetricSink
	mlabels []metrics.Label

	lk   sync.Mutex
	cond *sync.Cond
	obs  *waitObserver

	// entries and order hold the same live registrations; order is
	// the report rotation so capacity-limited callers make progress.
	entries map[uint64]*waitEntry
	order   []*waitEntry

	// Terminal results not yet handed to a Wait caller.
	pending []WaitResult
}

type waitEntry struct {
	handle Handle
	mask   Signals
}

// WaitResult is one filled output slot of a `Wait` call.
type WaitResult struct {
	Handle Handle
	Result Result

	// State is the signal snapshot taken when the result was
	// collected. Zero for cancelled handles.
	State SignalsState
}

func NewWaitSet(opts ...Option) (*WaitSet, error) {
	var cfg config
	if err := cfg.apply(opts); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	ws := &WaitSet{
		logger:  cfg.logger(),
		msink:   cfg.sink(),
		mlabels: cfg.metricLabels,
		entries: make(map[uint64]*waitEntry),
	}
	ws.cond = sync.NewCond(&ws.lk)
	ws.obs = &waitObserver{ws: ws}
	return ws, nil
}

// AddHandle registers interest in the given signals. It fails only on
// double registration: a handle whose mask is already trivially
// satisfied, or can never be satisfied, is accepted and discovered by
// the next `Wait`. Adding a handle that is already closed queues an
// immediate pending Cancelled result.
func (ws *WaitSet) AddHandle(h Handle, mask Signals) error {
	ws.lk.Lock()
	defer ws.lk.Unlock()

	if _, dup := ws.entries[h.ID()]; dup {
		return ErrAlreadyRegistered
	}

	e := &waitEntry{handle: h, mask: mask}
	ws.entries[h.ID()] = e
	ws.order = append(ws.order, e)

	if err := h.Watch(ws.obs); err != nil {
		ws.removeEntryLocked(e)
		ws.pending = append(ws.pending, WaitResult{Handle: h, Result: ResultCancelled})
	}

	// The handle may already be ready; blocked waiters must re-scan.
	ws.cond.Broadcast()
	return nil
}

// RemoveHandle unregisters a handle that is still registered. It
// returns ErrNotFound for a handle that was never added, or that
// already left the table because a terminal state was reached. In the
// latter case any undelivered terminal result is still reported by a
// later `Wait`; nothing is silently dropped. ErrNotFound after a
// terminal report is the expected steady state, not a failure.
func (ws *WaitSet) RemoveHandle(h Handle) error {
	ws.lk.Lock()
	defer ws.lk.Unlock()

	e, ok := ws.entries[h.ID()]
	if !ok {
		return ErrNotFound
	}
	ws.removeEntryLocked(e)
	e.handle.Unwatch(ws.obs)

	// Removal can empty the set; blocked waiters must notice and
	// return.
	ws.cond.Broadcast()
	return nil
}

// Wait blocks until at least one registered handle has a ready or
// terminal result, then returns up to max of them, in no guaranteed
// order. max <= 0 means no limit. Results beyond max stay pending for
// later calls. If the set is empty (and nothing is pending), Wait
// returns immediately with no results.
//
// Handles reported Ok stay registered: readiness is level-triggered.
// Handles reported FailedPrecondition or Cancelled are removed as
// they are reported.
func (ws *WaitSet) Wait(max int) []WaitResult {
	ws.lk.Lock()
	defer ws.lk.Unlock()

	for {
		out := ws.collectLocked(max)
		if len(out) > 0 {
			ws.msink.IncrCounterWithLabels(
				MetricLoomWaitReportCount, float32(len(out)), ws.mlabels)
			return out
		}
		if len(ws.entries) == 0 && len(ws.pending) == 0 {
			return nil
		}
		ws.cond.Wait()
	}
}

func (ws *WaitSet) collectLocked(max int) []WaitResult {
	limit := max
	if limit <= 0 {
		limit = len(ws.pending) + len(ws.order)
	}

	var out []WaitResult

	// Terminal results first: they are already paid for and their
	// handles are gone from the live table.
	for len(ws.pending) > 0 && len(out) < limit {
		out = append(out, ws.pending[0])
		ws.pending = ws.pending[1:]
	}

	if len(out) >= limit {
		return out
	}

	var rotated []*waitEntry
	remaining := make([]*waitEntry, 0, len(ws.order))
	for idx, e := range ws.order {
		if len(out) >= limit {
			remaining = append(remaining, ws.order[idx:]...)
			break
		}
		st := e.handle.Signals()
		switch {
		case st.Satisfied&e.mask != 0:
			out = append(out, WaitResult{Handle: e.handle, Result: ResultOk, State: st})
			rotated = append(rotated, e)
		case st.Satisfiable&e.mask == 0:
			result := ResultFailedPrecondition
			if st.Satisfiable == 0 {
				// Nothing satisfiable at all means the handle is
				// closed; the scan beat its closure callback here.
				result = ResultCancelled
				st = SignalsState{}
				ws.msink.IncrCounterWithLabels(MetricLoomWaitCancelCount, 1, ws.mlabels)
			}
			out = append(out, WaitResult{Handle: e.handle, Result: result, State: st})
			delete(ws.entries, e.handle.ID())
			e.handle.Unwatch(ws.obs)
		default:
			remaining = append(remaining, e)
		}
	}
	// Reported-ready entries rotate behind unreported ones so a
	// capacity-1 caller covers every ready handle over enough calls.
	ws.order = append(remaining, rotated...)

	return out
}

func (ws *WaitSet) removeEntryLocked(e *waitEntry) {
	delete(ws.entries, e.handle.ID())
	for i, cur := range ws.order {
		if cur == e {
			ws.order = append(ws.order[:i:i], ws.order[i+1:]...)
			return
		}
	}
}

func (ws *WaitSet) onSignalsChanged(h Handle, st SignalsState) {
	ws.lk.Lock()
	defer ws.lk.Unlock()

	e, ok := ws.entries[h.ID()]
	if !ok {
		return
	}

	if st.Satisfiable&e.mask == 0 {
		ws.logger.Debug("handle became unsatisfiable", LabelHandleID.L(h.ID()))
		ws.removeEntryLocked(e)
		e.handle.Unwatch(ws.obs)
		ws.pending = append(ws.pending, WaitResult{
			Handle: e.handle,
			Result: ResultFailedPrecondition,
			State:  st,
		})
		ws.cond.Broadcast()
		return
	}

	if st.Satisfied&e.mask != 0 {
		ws.cond.Broadcast()
	}
}

func (ws *WaitSet) onHandleClosed(h Handle) {
	ws.lk.Lock()
	defer ws.lk.Unlock()

	e, ok := ws.entries[h.ID()]
	if !ok {
		return
	}

	ws.logger.Debug("registered handle closed", LabelHandleID.L(h.ID()))
	ws.msink.IncrCounterWithLabels(MetricLoomWaitCancelCount, 1, ws.mlabels)
	ws.removeEntryLocked(e)
	ws.pending = append(ws.pending, WaitResult{Handle: e.handle, Result: ResultCancelled})
	ws.cond.Broadcast()
}

// waitObserver keeps SignalObserver methods off the WaitSet API.
type waitObserver struct {
	ws *WaitSet
}

func (o *waitObserver) OnSignalsChanged(h Handle, st SignalsState) {
	o.ws.onSignalsChanged(h, st)
}

func (o *waitObserver) OnHandleClosed(h Handle) {
	o.ws.onHandleClosed(h)
}
