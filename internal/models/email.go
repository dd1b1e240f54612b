package models

import (
	"time"
)

// Status enumerates lifecycle states persisted in Postgres.
type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusSent        Status = "sent"
	StatusFailed      Status = "failed"
	StatusRateLimited Status = "rate_limited"
)

// Statuses lists every valid status in display order.
var Statuses = []Status{StatusScheduled, StatusSent, StatusFailed, StatusRateLimited}

// ParseStatus returns the status for s and whether it is one of the known values.
func ParseStatus(s string) (Status, bool) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Terminal reports whether no further transition may leave this status.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// transitions maps a target status to the statuses it may be entered from.
var transitions = map[Status][]Status{
	StatusSent:        {StatusScheduled},
	StatusRateLimited: {StatusScheduled},
	StatusScheduled:   {StatusRateLimited},
	StatusFailed:      {StatusScheduled, StatusRateLimited},
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, src := range transitions[to] {
		if src == from {
			return true
		}
	}
	return false
}

// SourcesFor returns the statuses a record may hold before entering to.
func SourcesFor(to Status) []Status {
	src := transitions[to]
	out := make([]Status, len(src))
	copy(out, src)
	return out
}

// EmailRecord is one scheduled email, persisted in Postgres. Its ID is also the queue job id.
type EmailRecord struct {
	ID          string     `json:"id"`
	Sender      string     `json:"sender"`
	Recipient   string     `json:"recipient"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body,omitempty"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	SentAt      *time.Time `json:"sentAt"`
	Status      Status     `json:"status"`
	Error       *string    `json:"error"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// JobPayload is the denormalized copy of a record carried by its queue job.
type JobPayload struct {
	EmailID   string `json:"emailId"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// PayloadFor copies the immutable fields of r into a job payload.
func PayloadFor(r EmailRecord) JobPayload {
	return JobPayload{
		EmailID:   r.ID,
		Sender:    r.Sender,
		Recipient: r.Recipient,
		Subject:   r.Subject,
		Body:      r.Body,
	}
}
