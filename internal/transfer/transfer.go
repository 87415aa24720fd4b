package transfer

import (
	"sync"

	"github.com/immesys/slsk/internal/conn"
)

// Sink receives downloaded bytes, mirroring internal/conn.Sink. Kept as a
// distinct alias so callers of this package don't need to import
// internal/conn just to name the type.
type Sink = conn.Sink

// Governor paces the data phase, mirroring internal/conn.Governor.
type Governor = conn.Governor

// Options configures one Download call, per spec §6's transfer_options.
type Options struct {
	// Offset resumes a partial download at this byte, per spec §4.F.
	Offset int64
	// DisposeOutputStreamOnCompletion closes the sink (if it implements
	// io.Closer) once the transfer reaches a terminal state.
	DisposeOutputStreamOnCompletion bool
	// Governor paces the data phase; nil disables pacing.
	Governor Governor
	// StateChanged fires on every state machine transition.
	StateChanged func(StateChange)
	// ProgressUpdated fires after each chunk during the data phase.
	ProgressUpdated func(Snapshot)
}

// transfer is the engine's internal record for one active download.
type transfer struct {
	mu   sync.Mutex
	snap Snapshot
	opts Options
}

func newTransfer(token uint32, username, filename string, opts Options) *transfer {
	return &transfer{
		snap: Snapshot{Token: token, Username: username, Filename: filename, State: None, Offset: opts.Offset},
		opts: opts,
	}
}

// setState transitions the state machine and fires StateChanged, per spec
// §4.F "every transition emits an event (prev, new, transfer_snapshot)".
func (t *transfer) setState(s State, err error) Snapshot {
	t.mu.Lock()
	prev := t.snap.State
	t.snap.State = s
	if err != nil {
		t.snap.Err = err
	}
	snap := t.snap
	t.mu.Unlock()

	if t.opts.StateChanged != nil {
		t.opts.StateChanged(StateChange{Prev: prev, New: s, Transfer: snap})
	}
	return snap
}

func (t *transfer) setSize(size int64) {
	t.mu.Lock()
	t.snap.Size = size
	t.mu.Unlock()
}

func (t *transfer) progress(read int64) {
	t.mu.Lock()
	t.snap.Read = read
	snap := t.snap
	t.mu.Unlock()
	if t.opts.ProgressUpdated != nil {
		t.opts.ProgressUpdated(snap)
	}
}

func (t *transfer) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}
