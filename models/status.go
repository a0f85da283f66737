package models

import "fmt"

// ConnectionState is the reduced transport status shown to the UI
type ConnectionState string

const (
	StateIdle         ConnectionState = "idle"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateDisconnected ConnectionState = "disconnected"
	StateError        ConnectionState = "error"
	StateAuthFailed   ConnectionState = "auth_failed"
	StateFailed       ConnectionState = "failed"
)

// ConnectionStatus is what transports report to the session
type ConnectionStatus struct {
	State       ConnectionState `json:"state"`
	Attempt     int             `json:"attempt,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

// Terminal reports whether the transport has given up for this conversation.
func (s ConnectionStatus) Terminal() bool {
	return s.State == StateFailed || s.State == StateAuthFailed
}

func (s ConnectionStatus) String() string {
	switch s.State {
	case StateIdle, "":
		return "Select a user to connect"
	case StateConnecting:
		return "Connecting..."
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return fmt.Sprintf("Reconnecting... (%d/%d)", s.Attempt, s.MaxAttempts)
	case StateDisconnected:
		return "Disconnected"
	case StateError:
		return "Connection Error"
	case StateAuthFailed:
		return "Authentication failed"
	case StateFailed:
		return "Connection Failed - Max retries reached"
	}
	return string(s.State)
}
