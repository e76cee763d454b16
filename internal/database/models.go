package database

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidStatus is returned for a gap status outside GapStatus.
	ErrInvalidStatus = errors.New("invalid gap status")
	// ErrInvalidTransition is returned when a review moves a gap along a
	// transition the review workflow does not allow.
	ErrInvalidTransition = errors.New("invalid gap status transition")
	// ErrInvalidSeverity is returned for a severity outside Severity.
	ErrInvalidSeverity = errors.New("invalid severity")
)

// Role is the speaker of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one recorded turn of a conversation.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// Transcript is a recorded conversation session with its ordered messages.
type Transcript struct {
	ID        string
	Source    string
	StartedAt time.Time
	EndedAt   *time.Time
	Messages  []Message
}

// Severity classifies a knowledge gap.
type Severity string

const (
	SeverityUnanswered Severity = "unanswered"
	SeverityIncorrect  Severity = "incorrect"
	SeverityIncomplete Severity = "incomplete"
)

// Severities lists every severity in report order.
var Severities = []Severity{SeverityIncorrect, SeverityUnanswered, SeverityIncomplete}

// Valid reports whether s is one of the three known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityUnanswered, SeverityIncorrect, SeverityIncomplete:
		return true
	}
	return false
}

// GapStatus is the review state of a knowledge gap.
type GapStatus string

const (
	StatusNew           GapStatus = "new"
	StatusReviewed      GapStatus = "reviewed"
	StatusResolved      GapStatus = "resolved"
	StatusFalsePositive GapStatus = "false_positive"
)

// Statuses lists every gap status in workflow order.
var Statuses = []GapStatus{StatusNew, StatusReviewed, StatusResolved, StatusFalsePositive}

func (s GapStatus) Valid() bool {
	switch s {
	case StatusNew, StatusReviewed, StatusResolved, StatusFalsePositive:
		return true
	}
	return false
}

// Closed reports whether the status ends the review.
func (s GapStatus) Closed() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// CanTransition reports whether a reviewer may move a gap from one status to another.
// Staying in the same status is allowed except for new, which no review returns to.
func CanTransition(from, to GapStatus) bool {
	if !from.Valid() || !to.Valid() || to == StatusNew {
		return false
	}
	switch from {
	case StatusNew:
		return true
	case StatusReviewed:
		return true
	case StatusResolved, StatusFalsePositive:
		return to == StatusReviewed || to == from
	}
	return false
}

// NewKnowledgeGap is the write model for a gap produced by an audit.
type NewKnowledgeGap struct {
	TranscriptID      string
	RunID             string
	Question          string
	AssistantResponse string
	Severity          Severity
	SuggestedAnswer   string
	SourceURL         *string
	DedupKey          string
}

// KnowledgeGap is a persisted gap with its review state.
type KnowledgeGap struct {
	ID                string
	TranscriptID      string
	RunID             *string
	Question          string
	AssistantResponse string
	Severity          Severity
	SuggestedAnswer   string
	SourceURL         *string
	Status            GapStatus
	HumanCorrection   *string
	ResolutionNotes   *string
	DedupKey          string
	CreatedAt         time.Time
	ResolvedAt        *time.Time
	ResolvedBy        *string
}

// GapReview carries the reviewer-editable fields. Nil fields are left unchanged;
// an empty Status keeps the current status.
type GapReview struct {
	Status          GapStatus
	HumanCorrection *string
	ResolutionNotes *string
	ResolvedBy      *string
}

// GapFilter narrows ListGaps. Zero values mean "any".
type GapFilter struct {
	Status       GapStatus
	Severity     Severity
	TranscriptID string
	RunID        string
	Limit        int
	Offset       int
}

// GapCounts tallies gaps by status and by severity.
type GapCounts struct {
	Total      int
	ByStatus   map[GapStatus]int
	BySeverity map[Severity]int
}

// RunStatus is the lifecycle state of an audit run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// AuditRun records one invocation of the audit runner.
type AuditRun struct {
	ID                  string
	StartDate           time.Time
	EndDate             time.Time
	Status              RunStatus
	DryRun              bool
	TranscriptsAnalyzed int
	GapsFound           int
	Errors              int
	ErrorMessage        *string
	StartedAt           time.Time
	FinishedAt          *time.Time
}

// Stats contains aggregate database statistics.
type Stats struct {
	Transcripts   int
	Messages      int
	Gaps          int
	OpenGaps      int
	Runs          int
	LastRunAt     *time.Time
	LastRunStatus *RunStatus
	SchemaVersion uint
	SchemaDirty   bool
}
