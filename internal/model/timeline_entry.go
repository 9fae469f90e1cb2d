package model

import "time"

// Timeline event names. Each mirrors the transition (or note) that produced it.
const (
	EventRequestCreated   = "REQUEST_CREATED"
	EventRequestAccepted  = "REQUEST_ACCEPTED"
	EventRequestRejected  = "REQUEST_REJECTED"
	EventMechanicAssigned = "MECHANIC_ASSIGNED"
	EventEstimateSet      = "ESTIMATE_SET"
	EventEstimateApproved = "ESTIMATE_APPROVED"
	EventStatusChanged    = "STATUS_CHANGED"
	EventNoteAdded        = "NOTE_ADDED"
)

// TimelineEntry is an immutable audit record for a service request. Entries
// are appended on every successful transition and on manual notes, and are
// never mutated or deleted.
type TimelineEntry struct {
	ID        int64     `gorm:"autoIncrement;primaryKey" json:"id"`
	RequestID string    `gorm:"index;size:36;not null" json:"requestId"`
	Event     string    `gorm:"size:64;not null" json:"event"`
	Note      string    `gorm:"size:2048" json:"note"`
	Meta      string    `gorm:"size:4096" json:"meta"`
	ActorID   string    `gorm:"size:36;not null" json:"actorId"`
	CreatedAt time.Time `gorm:"index;not null" json:"createdAt"`
}
