package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type Status string

const (
	Pending      Status = "pending"
	Running      Status = "running"
	Completed    Status = "completed"
	DeadLettered Status = "dlq"
)

const MaxNameLength = 256

// ActiveStatuses are the statuses counted against an owner's active-job cap.
var ActiveStatuses = []Status{Pending, Running}

type Job struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	OwnerID    string    `json:"ownerId"`
	Status     Status    `json:"status"`
	RetryCount int       `json:"retryCount"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (s Status) Valid() bool {
	switch s {
	case Pending, Running, Completed, DeadLettered:
		return true
	}
	return false
}

func (s Status) Active() bool   { return s == Pending || s == Running }
func (s Status) Terminal() bool { return s == Completed || s == DeadLettered }

// CanTransition reports whether from -> to is an edge of the job lifecycle.
// running -> running is only legal for a broker redelivery.
func CanTransition(from, to Status, redelivered bool) bool {
	switch from {
	case Pending:
		return to == Running
	case Running:
		switch to {
		case Completed, Pending, DeadLettered:
			return true
		case Running:
			return redelivered
		}
	}
	return false
}

// NewJob returns a pending job owned by ownerID. The store assigns the ID.
func NewJob(ownerID, name string, now time.Time) (*Job, error) {
	ownerID = strings.TrimSpace(ownerID)
	name = strings.TrimSpace(name)
	switch {
	case ownerID == "":
		return nil, ValidationError("ownerId is required")
	case name == "":
		return nil, ValidationError("name is required")
	case utf8.RuneCountInString(name) > MaxNameLength:
		return nil, ValidationError(fmt.Sprintf("name must be at most %d characters", MaxNameLength))
	}
	return &Job{
		Name:      name,
		OwnerID:   ownerID,
		Status:    Pending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	return &c
}

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
