package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of a QueueTask.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusQueued  Status = "QUEUED"
	StatusSending Status = "SENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
	StatusInvalid Status = "INVALID"
)

// Terminal statuses are only left by the expiry sweep.
func (s Status) Terminal() bool { return s == StatusSent || s == StatusInvalid }

// IdentityType selects which identifier key the server files a profile under.
type IdentityType string

const (
	IdentityCIOID IdentityType = "CIO_ID"
	IdentityID    IdentityType = "ID"
	IdentityEmail IdentityType = "EMAIL"
)

// APIKey is the identifiers key used on the wire.
func (t IdentityType) APIKey() string {
	switch t {
	case IdentityCIOID:
		return "cio_id"
	case IdentityEmail:
		return "email"
	default:
		return "id"
	}
}

func ParseIdentityType(s string) (IdentityType, error) {
	switch strings.ToLower(s) {
	case "cio_id":
		return IdentityCIOID, nil
	case "id":
		return IdentityID, nil
	case "email":
		return IdentityEmail, nil
	}
	return "", fmt.Errorf("unknown identity type %q", s)
}

// ErrorReason is the per-item rejection reason reported by the tracking API.
type ErrorReason string

const (
	ReasonRequired   ErrorReason = "required"
	ReasonInvalid    ErrorReason = "invalid"
	ReasonParseError ErrorReason = "parse_error"
)

// Fixable reports whether resending the same payload could succeed.
func (r ErrorReason) Fixable() bool { return r == ReasonRequired }

// Status maps a rejection reason to the task outcome.
func (r ErrorReason) Status() Status {
	if r.Fixable() {
		return StatusFailed
	}
	return StatusInvalid
}

// Priority values; higher is more urgent.
const (
	PriorityLow     = -1
	PriorityDefault = 0
	PriorityHigh    = 1
)

// Task is a request to enqueue one activity.
type Task struct {
	ProfileIdentifier *string
	IdentityType      IdentityType
	Activity          Activity
	Priority          int
}

// QueueTask is the persisted row wrapping one, possibly merged, activity.
type QueueTask struct {
	ID                   string
	SiteID               string
	Type                 Kind
	ProfileIdentifier    *string
	IdentityType         IdentityType
	CreatedAt            time.Time
	UpdatedAt            time.Time
	ActivityJSON         string
	ActivityModelVersion int
	Status               Status
	Priority             int
	RetryCount           int
	LastStatusCode       *int
	ErrorReason          *ErrorReason
}

// TaskResponse is the outcome of one delivery attempt for a task.
type TaskResponse struct {
	TaskID      string
	NewStatus   Status
	StatusCode  *int
	ErrorReason *ErrorReason
}

// CountsAsRetry is true for every outcome other than SENT.
func (r TaskResponse) CountsAsRetry() bool { return r.NewStatus != StatusSent }

// IDGenerator produces unique suffixes for task ids.
type IDGenerator interface {
	Generate() string
}

// UUIDGenerator is the default IDGenerator.
type UUIDGenerator struct{}

func (UUIDGenerator) Generate() string { return uuid.NewString() }

// NewTaskID builds a row id of the form kind_timestamp_suffix.
func NewTaskID(kind Kind, ts int64, gen IDGenerator) string {
	return fmt.Sprintf("%s_%d_%s", kind, ts, gen.Generate())
}
