package instances

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a preview instance.
type Status int

const (
	// StatusStarting means the process has been spawned but has not yet
	// passed a health probe.
	StatusStarting Status = iota
	// StatusRunning means the instance answered a health probe and is
	// serving traffic.
	StatusRunning
	// StatusStopping means teardown is in progress.
	StatusStopping
	// StatusStopped means the instance was stopped and its resources
	// released.
	StatusStopped
	// StatusFailed means the instance failed to start or crashed; resources
	// have been released.
	StatusFailed
)

// String returns a string representation of the Status.
func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// MarshalJSON encodes the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes the string form of a status.
func (s *Status) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"starting"`:
		*s = StatusStarting
	case `"running"`:
		*s = StatusRunning
	case `"stopping"`:
		*s = StatusStopping
	case `"stopped"`:
		*s = StatusStopped
	case `"failed"`:
		*s = StatusFailed
	default:
		return fmt.Errorf("unknown status %s", data)
	}
	return nil
}

// PreviewInstance is a point-in-time snapshot of one supervised instance.
// A non-terminal instance holds exactly one reserved port and at most one
// live child process.
type PreviewInstance struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Port      int       `json:"port"`
	PID       int       `json:"pid,omitempty"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Token     string    `json:"token,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	StoppedAt time.Time `json:"stoppedAt,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}
