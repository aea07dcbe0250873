//nolint:revive // types is a common Go package naming convention
package types

// ConnectionPhase is the lifecycle phase of the result stream connection.
type ConnectionPhase string

// Connection phase constants.
const (
	PhaseDisconnected ConnectionPhase = "disconnected"
	PhaseConnecting   ConnectionPhase = "connecting"
	PhaseConnected    ConnectionPhase = "connected"
	PhaseFailed       ConnectionPhase = "failed"
)

// ConnectionState is the observable state of the result stream connection.
// Attempt counts consecutive abnormal closures and resets on a successful connect.
type ConnectionState struct {
	Phase     ConnectionPhase `json:"phase"`
	Attempt   int             `json:"attempt"`
	LastError string          `json:"last_error,omitempty"`
}

// IsActive returns true while connecting or connected.
func (s ConnectionState) IsActive() bool {
	return s.Phase == PhaseConnecting || s.Phase == PhaseConnected
}
