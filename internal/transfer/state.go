// Package transfer implements the Transfer Engine (Download) of spec §4.F:
// two-phase request/response negotiation over a peer message connection,
// followed by a raw data phase on a dedicated type-F connection handed off
// by internal/peer. It generalizes 6Sack-bw2/api/async_full.go's
// Publish/Subscribe action/result callback-pair shape into the spec's
// explicit state machine with typed terminal states, and reuses
// 6Sack-bw2/objects/common.go's bounded read-loop idea for the data phase
// (here delegated to internal/conn.Connection.ReadToStream).
package transfer

import "fmt"

// State is one stage of a download's lifecycle, per spec §4.F.
type State int

const (
	None State = iota
	Requested
	Queued
	Initializing
	InProgress
	Succeeded
	Errored
	TimedOut
	Cancelled
	Rejected
)

func (s State) String() string {
	switch s {
	case None:
		return "None"
	case Requested:
		return "Requested"
	case Queued:
		return "Queued"
	case Initializing:
		return "Initializing"
	case InProgress:
		return "InProgress"
	case Succeeded:
		return "Succeeded"
	case Errored:
		return "Errored"
	case TimedOut:
		return "TimedOut"
	case Cancelled:
		return "Cancelled"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s is one of the state machine's terminal states.
func (s State) Terminal() bool {
	switch s {
	case Succeeded, Errored, TimedOut, Cancelled, Rejected:
		return true
	default:
		return false
	}
}

// Snapshot is an immutable view of a Transfer at the moment an event fired,
// per spec §4.F "every transition emits an event (prev, new, transfer_snapshot)".
type Snapshot struct {
	Token    uint32
	Username string
	Filename string
	State    State
	Offset   int64
	Size     int64
	Read     int64
	Err      error
}

func (s Snapshot) String() string {
	return fmt.Sprintf("Transfer{token=%d user=%s file=%s state=%s %d/%d}", s.Token, s.Username, s.Filename, s.State, s.Read, s.Size)
}

// StateChange is the event payload delivered to a Options.StateChanged
// callback.
type StateChange struct {
	Prev     State
	New      State
	Transfer Snapshot
}
