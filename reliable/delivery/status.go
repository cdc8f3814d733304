package delivery

import "fmt"

// Status is the lifecycle state of a message row.
type Status string

const (
	StatusNew        Status = "New"
	StatusProcessing Status = "Processing"
	StatusProcessed  Status = "Processed"
	StatusFailed     Status = "Failed"
)

// ParseStatus validates raw and converts it into a Status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}

	return status, nil
}

// IsValid reports whether status belongs to the lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusNew, StatusProcessing, StatusProcessed, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (status Status) IsTerminal() bool {
	return status == StatusProcessed
}

// CanTransitionTo reports whether status may move to next. Failed to
// Processing is the only backward edge. Processing to Processing is a
// reclaim of an abandoned row.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusNew, StatusFailed:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessing || next == StatusProcessed || next == StatusFailed
	default:
		return false
	}
}

func (status Status) String() string {
	return string(status)
}
