package models

import "time"

// EventType is the `type` discriminator of channel messages
type EventType string

const (
	EventConnection    EventType = "connection"
	EventCurrentStatus EventType = "current_status"
	EventProgress      EventType = "progress"
	EventStatusChange  EventType = "status_change"
	EventError         EventType = "error"
	EventComplete      EventType = "complete"
	EventPong          EventType = "pong"
)

// Client-initiated message types
const (
	ClientPing          = "ping"
	ClientRequestStatus = "request_status"
)

// Event is a server-to-client channel message
type Event struct {
	Type           EventType  `json:"type"`
	Timestamp      time.Time  `json:"timestamp"`
	StudyID        string     `json:"study_id,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	Step           StepName   `json:"step,omitempty"`
	Progress       *int       `json:"progress,omitempty"`
	Message        string     `json:"message,omitempty"`
	Status         InitStatus `json:"status,omitempty"`
	PreviousStatus InitStatus `json:"previous_status,omitempty"`
	Steps          *InitSteps `json:"steps,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// ClientMessage is a client-to-server channel message
type ClientMessage struct {
	Type string `json:"type"`
}

// NewProgressEvent reports completion of a step.
func NewProgressEvent(studyID string, step StepName, progress int, message string) Event {
	return Event{
		Type:      EventProgress,
		Timestamp: time.Now().UTC(),
		StudyID:   studyID,
		Step:      step,
		Progress:  &progress,
		Message:   message,
	}
}

// NewStatusChangeEvent reports a status transition.
func NewStatusChangeEvent(studyID string, status, previous InitStatus) Event {
	return Event{
		Type:           EventStatusChange,
		Timestamp:      time.Now().UTC(),
		StudyID:        studyID,
		Status:         status,
		PreviousStatus: previous,
	}
}

// NewErrorEvent reports a failure, optionally tied to a step.
func NewErrorEvent(studyID string, step StepName, msg string) Event {
	return Event{
		Type:      EventError,
		Timestamp: time.Now().UTC(),
		StudyID:   studyID,
		Step:      step,
		Error:     msg,
	}
}

// NewCompleteEvent reports a finished run.
func NewCompleteEvent(studyID string) Event {
	progress := 100
	return Event{
		Type:      EventComplete,
		Timestamp: time.Now().UTC(),
		StudyID:   studyID,
		Progress:  &progress,
		Status:    InitStatusCompleted,
		Message:   "Study initialization complete",
	}
}

// NewCurrentStatusEvent snapshots a study state.
func NewCurrentStatusEvent(state *StudyInitState) Event {
	progress := state.Progress
	steps := state.Steps.Clone()
	return Event{
		Type:      EventCurrentStatus,
		Timestamp: time.Now().UTC(),
		StudyID:   state.StudyID,
		Status:    state.Status,
		Progress:  &progress,
		Steps:     &steps,
	}
}
