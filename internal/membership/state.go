package membership

// State is the lifecycle position of a room session.
type State int32

const (
	StateIdle State = iota
	StateJoining
	StateJoined
	// StateLeavePending waits out the grace window before the leave commits.
	StateLeavePending
	// StateLeft is terminal; a fresh join starts a new session.
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeavePending:
		return "leave_pending"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}

// Active reports whether the session still holds a place in the room.
func (s State) Active() bool {
	return s == StateJoined || s == StateLeavePending
}

// Leave triggers, also used as metric labels.
const (
	triggerManual   = "manual"
	triggerGrace    = "grace"
	triggerUnload   = "unload"
	triggerSwitch   = "switch"
	triggerShutdown = "shutdown"
	triggerVanished = "vanished"
)
