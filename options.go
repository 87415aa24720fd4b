package slsk

import (
	"time"

	"github.com/immesys/slsk/internal/conn"
	"github.com/immesys/slsk/internal/transfer"
)

// ConnectionOptions covers spec §6's connection_options. Both knobs apply to
// the server connection, to connections accepted by the peer listener, and
// to connections dialed back after a server-relayed ConnectToPeer; peer and
// distributed connections dialed by internal/peer use ConnectTimeout only,
// with no inactivity watchdog. internal/conn.Connection reads and writes
// directly against the raw socket with no internal bufio layer, so there
// is no read/write buffer size to recognize here — only the two timeouts
// conn.Options actually has a use for.
type ConnectionOptions struct {
	ConnectTimeout    time.Duration
	InactivityTimeout time.Duration
}

func (o ConnectionOptions) toConnOptions() conn.Options {
	return conn.Options{
		ConnectTimeout:    o.ConnectTimeout,
		InactivityTimeout: o.InactivityTimeout,
	}
}

// TransferOptions covers spec §6's transfer_options: the recognized set a
// caller supplies for a Download, mirrored onto internal/transfer.Options.
type TransferOptions struct {
	DisposeOutputStreamOnCompletion bool
	StateChanged                    func(transfer.StateChange)
	ProgressUpdated                 func(transfer.Snapshot)
	Governor                        transfer.Governor
}

// Options is the full recognized configuration set of spec §6.
type Options struct {
	ServerAddress string
	ServerPort    int

	ListenPort int

	MessageTimeout time.Duration

	ConcurrentPeerMessageConnectionLimit int64
	ConcurrentDistributedChildrenLimit   int

	ConnectionOptions ConnectionOptions
	TransferOptions   TransferOptions
}

// DefaultOptions returns the recognized defaults from spec §6: the public
// Soulseek network's well-known server address and port, and the same
// timeouts internal/peer and internal/distributed default to on their own.
func DefaultOptions() Options {
	return Options{
		ServerAddress:  "vps.slsknet.org",
		ServerPort:     2271,
		ListenPort:     2234,
		MessageTimeout: 15 * time.Second,

		ConcurrentPeerMessageConnectionLimit: 500,
		ConcurrentDistributedChildrenLimit:   3,

		ConnectionOptions: ConnectionOptions{
			ConnectTimeout:    10 * time.Second,
			InactivityTimeout: 0,
		},
	}
}
