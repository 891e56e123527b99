package model

import "time"

// UnpackEventKind tags the lifecycle stage of an unpack task
type UnpackEventKind string

const (
	UnpackStarted   UnpackEventKind = "Started"
	UnpackProgress  UnpackEventKind = "Progress"
	UnpackFinished  UnpackEventKind = "Finished"
	UnpackCancelled UnpackEventKind = "Cancelled"
	UnpackFailed    UnpackEventKind = "Failed"
)

// UnpackEvent is delivered for every lifecycle stage of an unpack task.
// Output is set on Finished, Err on Failed.
type UnpackEvent struct {
	TaskID   string
	Kind     UnpackEventKind
	Archive  string
	Output   string
	Progress float64
	Err      error
}

// UnpackTask represents a single archive extraction
type UnpackTask struct {
	ID         string
	Archive    string
	OutputPath string
	Status     UnpackEventKind
	Progress   float64 // 0.0 to 1.0
	LastError  string
	StartedAt  time.Time
	FinishedAt time.Time
}

// IsActive returns true while the task can still emit progress
func (t UnpackTask) IsActive() bool {
	return t.Status == UnpackStarted || t.Status == UnpackProgress
}
