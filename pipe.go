package loom

import (
	"sync"
	"sync/atomic"
)

var pipeIDs atomic.Uint64

// Pipe allocates a connected pair of in-process message pipe
// endpoints. Messages written to one end are readable from the other,
// in order. Both ends implement `Handle` and are independently
// closable from any goroutine; closing one end leaves already-written
// messages readable by the peer, after which the peer becomes
// unsatisfiable for reads.
func Pipe() (*PipeEnd, *PipeEnd) {
	shared := &pipeShared{}
	a := &PipeEnd{shared: shared, side: 0, id: pipeIDs.Add(1)}
	b := &PipeEnd{shared: shared, side: 1, id: pipeIDs.Add(1)}
	shared.ends[0] = a
	shared.ends[1] = b
	return a, b
}

// PipeEnd is one endpoint of an in-process message pipe.
type PipeEnd struct {
	shared *pipeShared
	side   int
	id     uint64
}

var _ Handle = (*PipeEnd)(nil)

type pipeShared struct {
	lk sync.Mutex

	ends [2]*PipeEnd

	// queues[i] holds messages readable from side i.
	queues    [2][]Message
	closed    [2]bool
	observers [2][]SignalObserver
}

func (pe *PipeEnd) ID() uint64 {
	return pe.id
}

// Write hands a message to the peer endpoint. It never blocks; the
// pipe is unbounded.
func (pe *PipeEnd) Write(msg Message) error {
	sh := pe.shared
	peer := 1 - pe.side

	sh.lk.Lock()
	if sh.closed[pe.side] {
		sh.lk.Unlock()
		return ErrHandleClosed
	}
	if sh.closed[peer] {
		sh.lk.Unlock()
		return ErrPeerClosed
	}
	sh.queues[peer] = append(sh.queues[peer], msg)
	obs, st := sh.snapshotLocked(peer)
	sh.lk.Unlock()

	notifyChanged(pe.peerEnd(), obs, st)
	return nil
}

// Read pops the next pending message. It returns ErrWouldBlock when
// nothing is pending, and ErrPeerClosed once the peer is closed and
// the queue is drained.
func (pe *PipeEnd) Read() (Message, error) {
	sh := pe.shared
	sh.lk.Lock()
	defer sh.lk.Unlock()

	if sh.closed[pe.side] {
		return nil, ErrHandleClosed
	}
	if len(sh.queues[pe.side]) == 0 {
		if sh.closed[1-pe.side] {
			return nil, ErrPeerClosed
		}
		return nil, ErrWouldBlock
	}

	msg := sh.queues[pe.side][0]
	sh.queues[pe.side] = sh.queues[pe.side][1:]
	return msg, nil
}

// Close is idempotent and callable from any goroutine. Own observers
// receive OnHandleClosed; peer observers see a peer-closed state
// change.
func (pe *PipeEnd) Close() error {
	sh := pe.shared
	peer := 1 - pe.side

	sh.lk.Lock()
	if sh.closed[pe.side] {
		sh.lk.Unlock()
		return nil
	}
	sh.closed[pe.side] = true
	// Messages queued for this end can no longer be read.
	sh.queues[pe.side] = nil
	own := sh.observers[pe.side]
	sh.observers[pe.side] = nil
	peerObs, peerSt := sh.snapshotLocked(peer)
	sh.lk.Unlock()

	for _, o := range own {
		o.OnHandleClosed(pe)
	}
	notifyChanged(pe.peerEnd(), peerObs, peerSt)
	return nil
}

func (pe *PipeEnd) Signals() SignalsState {
	sh := pe.shared
	sh.lk.Lock()
	defer sh.lk.Unlock()
	return sh.stateLocked(pe.side)
}

func (pe *PipeEnd) Watch(o SignalObserver) error {
	sh := pe.shared
	sh.lk.Lock()
	defer sh.lk.Unlock()
	if sh.closed[pe.side] {
		return ErrHandleClosed
	}
	sh.observers[pe.side] = append(sh.observers[pe.side], o)
	return nil
}

func (pe *PipeEnd) Unwatch(o SignalObserver) {
	sh := pe.shared
	sh.lk.Lock()
	defer sh.lk.Unlock()
	obs := sh.observers[pe.side]
	for i, cur := range obs {
		if cur == o {
			sh.observers[pe.side] = append(obs[:i:i], obs[i+1:]...)
			return
		}
	}
}

func (pe *PipeEnd) peerEnd() *PipeEnd {
	return pe.shared.ends[1-pe.side]
}

func (sh *pipeShared) stateLocked(side int) SignalsState {
	if sh.closed[side] {
		return SignalsState{}
	}

	var st SignalsState
	peerClosed := sh.closed[1-side]
	if len(sh.queues[side]) > 0 {
		st.Satisfied |= SignalReadable
		st.Satisfiable |= SignalReadable
	}
	if peerClosed {
		st.Satisfied |= SignalPeerClosed
		st.Satisfiable |= SignalPeerClosed
	} else {
		st.Satisfied |= SignalWritable
		st.Satisfiable |= SignalReadable | SignalWritable | SignalPeerClosed
	}
	return st
}

func (sh *pipeShared) snapshotLocked(side int) ([]SignalObserver, SignalsState) {
	obs := make([]SignalObserver, len(sh.observers[side]))
	copy(obs, sh.observers[side])
	return obs, sh.stateLocked(side)
}

// notifyChanged runs outside the pipe lock so observers may call back
// into the handle.
func notifyChanged(h Handle, obs []SignalObserver, st SignalsState) {
	for _, o := range obs {
		o.OnSignalsChanged(h, st)
	}
}
