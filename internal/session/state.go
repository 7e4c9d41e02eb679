package session

// State is the session's position in the turn-taking machine.
type State int

const (
	// StateIdle is the initial state before any audio is exchanged.
	StateIdle State = iota
	// StateListening awaits a final caller transcript.
	StateListening
	// StateThinking has a response generation in flight and no audio out.
	StateThinking
	// StateSpeaking is streaming synthesized audio to the caller.
	StateSpeaking
	// StateInterrupted is the transient barge-in state between Speaking and
	// Listening while stale audio is being flushed.
	StateInterrupted
	// StateEnded is terminal.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}
