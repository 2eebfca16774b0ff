package session

// CommandKind identifies a command submitted to the sequencer.
type CommandKind string

// Client-issued commands.
const (
	CmdSelectOrgan    CommandKind = "select-organ"
	CmdSelectRegister CommandKind = "select-register"
	CmdStart          CommandKind = "start"
	CmdStop           CommandKind = "stop"
	CmdRetry          CommandKind = "retry"
	CmdNext           CommandKind = "next"
	CmdPrevious       CommandKind = "previous"
	CmdSetNote        CommandKind = "set-note"
	CmdUpdateSettings CommandKind = "update-settings"
)

// Internal events. They travel through the same FIFO queue as client
// commands so time-driven transitions keep the total command ordering.
const (
	CmdTick               CommandKind = "tick"
	CmdCaptureStarted     CommandKind = "capture-started"
	CmdRecordExpired      CommandKind = "record-expired"
	CmdCaptureDone        CommandKind = "capture-done"
	CmdClientConnected    CommandKind = "client-connected"
	CmdClientDisconnected CommandKind = "client-disconnected"
)

// Command is one unit of work for the sequencer. Only the fields the
// kind needs are set. Epoch guards internal events: events scheduled for
// a phase that has since been cancelled carry a stale epoch and are
// dropped without touching state.
type Command struct {
	Kind   CommandKind `json:"kind"`
	Client string      `json:"client,omitempty"`

	Organ     string    `json:"organ,omitempty"`
	Keyboard  string    `json:"keyboard,omitempty"`
	Register  string    `json:"register,omitempty"`
	Tremulant bool      `json:"tremulant,omitempty"`
	Note      int       `json:"note,omitempty"`
	Settings  *Settings `json:"settings,omitempty"`

	Epoch   uint64      `json:"-"`
	Payload interface{} `json:"-"`
}
