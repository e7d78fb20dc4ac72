package model

import "time"

// AnalysisType selects what the analysis consumer should look at.
type AnalysisType string

const (
	AnalysisEmail      AnalysisType = "email"
	AnalysisThread     AnalysisType = "thread"
	AnalysisAttachment AnalysisType = "attachment"
)

// AnalysisJob asks the analysis collaborator to process a stored entity.
type AnalysisJob struct {
	ID           string       `json:"id"`
	Type         AnalysisType `json:"type"`
	UserID       string       `json:"user_id"`
	ConnectionID string       `json:"connection_id,omitempty"`
	MessageID    string       `json:"message_id,omitempty"`
	ThreadID     string       `json:"thread_id,omitempty"`
	AttachmentID string       `json:"attachment_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Sync trigger reasons.
const (
	SyncReasonPush     = "push"
	SyncReasonManual   = "manual"
	SyncReasonSchedule = "schedule"
	SyncReasonConnect  = "connect"
)

// SyncJob asks for one sync pass over a connection.
type SyncJob struct {
	ConnectionID     string `json:"connection_id"`
	Reason           string `json:"reason"`
	TriggerHistoryID string `json:"trigger_history_id,omitempty"`
}

// Contact is a correspondent seen in a synced message.
type Contact struct {
	Email      string
	Name       *string
	FirstMetAt time.Time
}
