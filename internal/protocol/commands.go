package protocol

// Wire bytes
const (
	Sync = 0xAA // host -> device, starts an update session
	Ack  = 0x06 // device -> host, erase done or chunk persisted
)

// Boot menu keys that force update mode during the wait window.
const (
	KeyUpdate  = 'u'
	KeyProgram = 'p'
)

// Transfer parameters
const (
	HeaderSize = 8    // length(4) + CRC32(4)
	ChunkSize  = 4096 // max payload bytes per acknowledged chunk
)

// IsMenuKey reports whether b forces update mode.
func IsMenuKey(b byte) bool {
	return b == KeyUpdate || b == KeyProgram
}

// State is a step of the device-side update session.
type State int

// Update session states, in protocol order.
const (
	StateAwaitSync State = iota
	StateAwaitHeader
	StateErasing
	StateReceiving
	StateVerifying
	StateCommitting
	StateDone
	StateAborted
)

// String returns human-readable name for a state
func (s State) String() string {
	switch s {
	case StateAwaitSync:
		return "await-sync"
	case StateAwaitHeader:
		return "await-header"
	case StateErasing:
		return "erasing"
	case StateReceiving:
		return "receiving"
	case StateVerifying:
		return "verifying"
	case StateCommitting:
		return "committing"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}
