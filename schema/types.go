package schema

import (
	"net"
	"strconv"
)

// TabID identifies a tab.
type TabID string

// TabName is the user-facing name of a tab.
type TabName string

// SessionName is the stable name of a remote multiplexer session.
type SessionName string

// ConnectParams carries everything needed to authenticate a connection.
// Secret material is retained in memory only, so a dropped transport can
// be re-established without prompting again, and is cleared on explicit
// disconnect.
type ConnectParams struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey []byte
	Passphrase string
	// TOTPSecret, when set, answers verification-code prompts during
	// keyboard-interactive authentication.
	TOTPSecret string
}

// Addr returns the dial address for the params.
func (p ConnectParams) Addr() string {
	port := p.Port
	if port <= 0 {
		port = 22
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(port))
}

// Empty reports whether the params carry no host.
func (p ConnectParams) Empty() bool {
	return p.Host == ""
}

// SlotState is the explicit lifecycle state of a registry slot.
type SlotState int

const (
	// SlotEmpty means the slot has never been opened.
	SlotEmpty SlotState = iota
	// SlotOpening means the slot's channel is being established.
	SlotOpening
	// SlotLive means the slot has an open channel to a remote session.
	SlotLive
	// SlotClosed means the slot's channel died and was not reopened.
	SlotClosed
)

// String returns a short state label for logs.
func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotOpening:
		return "opening"
	case SlotLive:
		return "live"
	case SlotClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MuxStatus classifies the remote multiplexer probe result.
type MuxStatus int

const (
	// MuxUnknown means the probe could not determine tmux presence.
	MuxUnknown MuxStatus = iota
	// MuxInstalled means tmux is available on the remote host.
	MuxInstalled
	// MuxMissing means tmux is conclusively absent.
	MuxMissing
)

// OSHint steers the install-command suggestion when tmux is missing.
type OSHint string

const (
	// OSHintDebian marks Debian-family hosts.
	OSHintDebian OSHint = "debian"
	// OSHintRHEL marks RedHat-family hosts.
	OSHintRHEL OSHint = "rhel"
	// OSHintAlpine marks Alpine hosts.
	OSHintAlpine OSHint = "alpine"
	// OSHintUnknown marks hosts with no recognized package manager.
	OSHintUnknown OSHint = "unknown"
)

// InstallSuggestion returns the install command for the hinted OS.
func (h OSHint) InstallSuggestion() string {
	switch h {
	case OSHintDebian:
		return "sudo apt-get install -y tmux"
	case OSHintRHEL:
		return "sudo yum install -y tmux"
	case OSHintAlpine:
		return "sudo apk add tmux"
	default:
		return "install tmux with your package manager"
	}
}

// TabSnapshot is the UI-facing view of one tab.
type TabSnapshot struct {
	ID      TabID
	Name    TabName
	Session int
	Active  bool
}
