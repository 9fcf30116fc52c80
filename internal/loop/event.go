package loop

// EventID identifies the kind of host event.
type EventID int

const (
	// EventQuit asks the loop to exit after the current iteration.
	EventQuit EventID = iota

	// EventDropFile loads the ROM named in EventDataDropFile.
	EventDropFile

	// EventKey runs the debug action in EventDataKey.
	EventKey
)

// Action is a debug control bound to a key by the host.
type Action int

const (
	ActionTogglePause Action = iota
	ActionStepInstruction
	ActionStepFrame
	ActionResume
)

func (a Action) String() string {
	switch a {
	case ActionTogglePause:
		return "toggle pause"
	case ActionStepInstruction:
		return "step instruction"
	case ActionStepFrame:
		return "step frame"
	case ActionResume:
		return "resume"
	}
	return "unknown action"
}

// Event is an input event polled from the host.
type Event struct {
	ID   EventID
	Data EventData
}

// EventData is the payload of an Event. Its concrete type depends on the ID.
type EventData interface{}

type EventDataDropFile struct {
	Path string
}

type EventDataKey struct {
	Action Action
}

// Quit, DropFile and Key build events.
func Quit() Event                { return Event{ID: EventQuit} }
func DropFile(path string) Event { return Event{ID: EventDropFile, Data: EventDataDropFile{Path: path}} }
func Key(action Action) Event    { return Event{ID: EventKey, Data: EventDataKey{Action: action}} }
