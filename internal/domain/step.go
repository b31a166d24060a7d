package domain

// ChatStep is the process-wide shell state: which top-level view of the
// chat surface is rendered. Exactly one value holds at a time and it only
// changes through dock.Manager operations.
type ChatStep string

const (
	// StepClosed means the chat shell is closed; open agents persist in
	// the background.
	StepClosed ChatStep = "closed"
	// StepAgentSelection shows the agent picker.
	StepAgentSelection ChatStep = "agent-selection"
	// StepChatting shows the floating chat windows.
	StepChatting ChatStep = "chatting"
)
