package quest

import (
	"strings"
	"time"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

const (
	EndReasonCancelled = "cancelled"
	EndReasonCompleted = "completed"
)

// Terminal reports whether no further lifecycle transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// DeriveStatus classifies a session purely from its detail fields.
func DeriveStatus(d SessionDetail) Status {
	switch {
	case d.EndReason != nil && strings.EqualFold(*d.EndReason, EndReasonCancelled):
		return StatusCancelled
	case d.EndDate != nil:
		return StatusCompleted
	case d.IsActive:
		return StatusInProgress
	default:
		return StatusScheduled
	}
}

// MarkCancelled mirrors a cancellation notice into d.
func (d *SessionDetail) MarkCancelled(at time.Time) {
	reason := EndReasonCancelled
	d.EndReason = &reason
	if d.EndDate == nil {
		d.EndDate = &at
	}
	d.IsActive = false
}

// MarkEnded mirrors a normal end notice into d. A previous cancellation wins.
func (d *SessionDetail) MarkEnded(at time.Time) {
	if d.EndReason == nil {
		reason := EndReasonCompleted
		d.EndReason = &reason
	}
	if d.EndDate == nil {
		d.EndDate = &at
	}
	d.IsActive = false
	d.IsFinished = true
}
