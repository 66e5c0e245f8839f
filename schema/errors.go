package schema

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected indicates no live transport handle exists.
	ErrNotConnected = errors.New("not connected")
	// ErrNoCredentials indicates reconnection was requested without retained credentials.
	ErrNoCredentials = errors.New("no retained credentials")
	// ErrNoAuthMethod indicates neither a password nor a private key was supplied.
	ErrNoAuthMethod = errors.New("no authentication method provided")
	// ErrProbeInconclusive indicates the multiplexer probe exhausted its budget undecided.
	ErrProbeInconclusive = errors.New("multiplexer probe inconclusive")
	// ErrNotInitialized indicates the session registry has not been initialized.
	ErrNotInitialized = errors.New("sessions not initialized")
	// ErrSlotIndex indicates a session slot index out of range.
	ErrSlotIndex = errors.New("session slot index out of range")
	// ErrTabLimit indicates the tab ceiling was reached.
	ErrTabLimit = errors.New("tab limit reached")
	// ErrLastTab indicates an attempt to close the sole remaining tab.
	ErrLastTab = errors.New("cannot close the last tab")
	// ErrFallbackMode indicates an operation unavailable in single-shell fallback mode.
	ErrFallbackMode = errors.New("not available in fallback mode")
)

// ConnectKind classifies why a connection attempt failed.
type ConnectKind string

const (
	// ConnectAuth marks authentication rejections.
	ConnectAuth ConnectKind = "auth"
	// ConnectKey marks private key parse failures.
	ConnectKey ConnectKind = "key"
	// ConnectTimeout marks dial or handshake timeouts.
	ConnectTimeout ConnectKind = "timeout"
	// ConnectUnreachable marks DNS and socket-level failures.
	ConnectUnreachable ConnectKind = "unreachable"
	// ConnectHostKey marks host key verification failures.
	ConnectHostKey ConnectKind = "hostkey"
	// ConnectOther marks everything else.
	ConnectOther ConnectKind = "other"
)

// ConnectError is a classified connection failure. Status is short and
// safe to show in the UI; the underlying cause is retained for logs.
type ConnectError struct {
	Kind ConnectKind
	Err  error
}

// Error implements error.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect failed (%s): %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConnectError) Unwrap() error { return e.Err }

// Status returns the classified human-readable cause.
func (e *ConnectError) Status() string {
	switch e.Kind {
	case ConnectAuth:
		return "authentication failed"
	case ConnectKey:
		return "private key could not be parsed"
	case ConnectTimeout:
		return "connection timed out"
	case ConnectUnreachable:
		return "host unreachable"
	case ConnectHostKey:
		return "host key verification failed"
	default:
		return "connection failed"
	}
}

// ClassifyConnect wraps err in a ConnectError with a kind derived from
// pattern-matching the underlying message.
func ClassifyConnect(err error) *ConnectError {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce
	}
	msg := strings.ToLower(err.Error())
	kind := ConnectOther
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"),
		strings.Contains(msg, "permission denied"):
		kind = ConnectAuth
	case strings.Contains(msg, "knownhosts"),
		strings.Contains(msg, "host key"):
		kind = ConnectHostKey
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		kind = ConnectTimeout
	case strings.Contains(msg, "no such host"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "no route to host"):
		kind = ConnectUnreachable
	case strings.Contains(msg, "private key"),
		strings.Contains(msg, "passphrase"):
		kind = ConnectKey
	}
	return &ConnectError{Kind: kind, Err: err}
}

// ChannelOpenError marks a transient failure to open a channel over the
// transport. CommandExecutor retries these transparently.
type ChannelOpenError struct {
	Err error
}

// Error implements error.
func (e *ChannelOpenError) Error() string {
	return fmt.Sprintf("channel open failed: %v", e.Err)
}

// Unwrap returns the underlying cause.
func (e *ChannelOpenError) Unwrap() error { return e.Err }

// CommandError is a strict-mode command failure or an exhausted lenient
// retry budget. Stderr carries the captured error stream when available.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

// Error implements error.
func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
	}
	if e.Stderr != "" {
		return fmt.Sprintf("command %q exited %d: %s", e.Command, e.ExitCode, strings.TrimSpace(e.Stderr))
	}
	return fmt.Sprintf("command %q exited %d", e.Command, e.ExitCode)
}

// Unwrap returns the underlying cause.
func (e *CommandError) Unwrap() error { return e.Err }

// SessionInitError reports a registry initialization failure. All slots
// are rolled back when any slot fails.
type SessionInitError struct {
	Slot int
	Err  error
}

// Error implements error.
func (e *SessionInitError) Error() string {
	return fmt.Sprintf("session slot %d failed to open: %v", e.Slot, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SessionInitError) Unwrap() error { return e.Err }
