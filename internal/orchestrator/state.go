package orchestrator

import (
	"time"

	"pewbridge/internal/pipeline"
	"pewbridge/internal/storage"
	"pewbridge/internal/transport"
)

// State is a session lifecycle state.
type State string

const (
	StateInit          State = "INIT"
	StatePairing       State = "PAIRING"
	StateConnecting    State = "CONNECTING"
	StateOpenUnsettled State = "OPEN_UNSETTLED"
	StateReady         State = "READY"
	StateReconnecting  State = "RECONNECTING"
	StateLoggedOut     State = "LOGGED_OUT"
	StateFatal         State = "FATAL"
	StateClosed        State = "CLOSED"
)

// Terminal reports whether no further transitions happen without reopening.
func (s State) Terminal() bool {
	return s == StateLoggedOut || s == StateFatal || s == StateClosed
}

// Command is an interpreted command ready for execution.
type Command = pipeline.Command

// Update is delivered to OnConnectionUpdate on every state change.
type Update struct {
	Tenant   string
	State    State
	Reason   transport.DisconnectReason
	Identity *transport.Identity
	Attempt  int
}

// Snapshot describes one registered session.
type Snapshot struct {
	Tenant   string
	State    State
	Retries  int
	Identity *transport.Identity
	New      bool
	Degraded bool
	Since    time.Time
	RunID    string
}

// Callbacks are the control-plane hooks of one session. All are optional and
// may be called from any goroutine.
type Callbacks struct {
	OnPairingChallenge  func(code string)
	OnConnectionUpdate  func(u Update)
	OnInboundMessage    func(rec storage.Record)
	OnError             func(msg string)
	OnUserLoggedOut     func(tenant string)
	OnMaxRetriesReached func(count int)
	// OnDeletedMessage receives records deleted by their sender.
	OnDeletedMessage func(rec storage.Record)
	// OnCommand executes interpreted commands.
	OnCommand func(cmd Command)
}
