// Package dialogue turns caller utterances into agent responses, running
// bounded tool calls against the booking backend along the way.
package dialogue

import "time"

// Role identifies who produced a turn.
type Role string

const (
	// RoleCaller is a finalized caller utterance.
	RoleCaller Role = "caller"
	// RoleAgent is a voiced agent response.
	RoleAgent Role = "agent"
	// RoleTool is a tool invocation result consumed by the following agent turn.
	RoleTool Role = "tool"
)

// Turn is one entry of the session history. Turns are immutable once
// appended; Seq is assigned by the session and increases monotonically.
type Turn struct {
	Seq      int
	Role     Role
	Content  string
	ToolName string // set for RoleTool
	// Interrupted marks an agent turn cut short by barge-in; Content holds
	// only the text synthesized before the cut.
	Interrupted bool
	Timestamp   time.Time
}
