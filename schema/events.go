package schema

// SessionReadyEvent announces a registry slot whose remote session is
// attached and streaming. Reset is true when the slot was rebound by a
// reset rather than initial attachment; consumers should clear any
// buffered display for the slot.
type SessionReadyEvent struct {
	Session  int
	Name     SessionName
	Attached bool
	Reset    bool
}

// OutputEvent carries one ordered batch of terminal bytes for a slot.
type OutputEvent struct {
	Session int
	Bytes   []byte
}

// ErrorEvent carries a short classified status string for the UI. The
// raw cause stays in the logs.
type ErrorEvent struct {
	Session int
	Message string
}

// StatusEvent carries informational engine state changes (mode
// switches, rejected tab operations, reset completions).
type StatusEvent struct {
	Message string
}
