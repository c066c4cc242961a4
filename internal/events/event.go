// Package events carries job lifecycle events within a process and across
// processes through a shared topic.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/SirClappington/queuecraft/internal/domain"
)

type Type string

const (
	JobCreated       Type = "job:created"
	JobStatusUpdated Type = "job:status:updated"
	JobCompleted     Type = "job:completed"
	JobDeadLettered  Type = "job:dlq"
)

type Event struct {
	ID         string        `json:"id"`
	Type       Type          `json:"type"`
	JobID      string        `json:"jobId"`
	OwnerID    string        `json:"ownerId"`
	OldStatus  domain.Status `json:"oldStatus,omitempty"`
	NewStatus  domain.Status `json:"newStatus,omitempty"`
	RetryCount int           `json:"retryCount"`
	Reason     string        `json:"reason,omitempty"`
	Job        *domain.Job   `json:"job,omitempty"`
	Origin     string        `json:"origin,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// New builds an event of type t for j. old is the status before the change.
func New(t Type, j *domain.Job, old domain.Status) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		JobID:      j.ID,
		OwnerID:    j.OwnerID,
		OldStatus:  old,
		NewStatus:  j.Status,
		RetryCount: j.RetryCount,
		Job:        j.Clone(),
		Timestamp:  time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Bus interface {
	Publisher
	// Subscribe delivers events until cancel is called or ctx is done.
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
}
