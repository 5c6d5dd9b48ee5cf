package db

import (
	"fmt"
	"time"
)

// ExperimentStatus is the lifecycle state of an experiment
type ExperimentStatus string

// Experiment status constants
const (
	ExperimentActive   ExperimentStatus = "active"
	ExperimentPaused   ExperimentStatus = "paused"
	ExperimentArchived ExperimentStatus = "archived"
)

// Valid reports whether s is one of the known statuses
func (s ExperimentStatus) Valid() bool {
	switch s {
	case ExperimentActive, ExperimentPaused, ExperimentArchived:
		return true
	}
	return false
}

// ParseExperimentStatus converts a raw string into an ExperimentStatus
func ParseExperimentStatus(raw string) (ExperimentStatus, error) {
	s := ExperimentStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown experiment status %q", raw)
	}
	return s, nil
}

// EventType is the kind of user reaction recorded against an impression
type EventType string

// Event type constants
const (
	EventOpened     EventType = "opened"
	EventConversion EventType = "conversion"
)

// Valid reports whether t is one of the known event types
func (t EventType) Valid() bool {
	switch t {
	case EventOpened, EventConversion:
		return true
	}
	return false
}

// ParseEventType converts a raw string into an EventType
func ParseEventType(raw string) (EventType, error) {
	t := EventType(raw)
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", raw)
	}
	return t, nil
}

// Experiment groups the variants of one notification intent
type Experiment struct {
	ID          int64            `json:"-"`
	IntentID    string           `json:"intent_id"`
	BaseMessage string           `json:"base_message"`
	Locale      string           `json:"locale"`
	Status      ExperimentStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Variant is one candidate message text. Rows are never updated.
type Variant struct {
	ID           int64     `json:"-"`
	VariantID    string    `json:"variant_id"`
	ExperimentID int64     `json:"-"`
	Text         string    `json:"text"`
	Locale       string    `json:"locale"`
	Weight       float64   `json:"weight"`
	CreatedAt    time.Time `json:"created_at"`
}

// Impression records a variant being shown to a user
type Impression struct {
	ID            int64     `json:"-"`
	TrackingToken string    `json:"tracking_token"`
	VariantID     int64     `json:"-"`
	UserID        *string   `json:"user_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Event is a user reaction correlated to an impression by tracking token
type Event struct {
	ID            int64             `json:"-"`
	TrackingToken string            `json:"tracking_token"`
	Type          EventType         `json:"type"`
	Properties    map[string]string `json:"properties,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
	CreatedAt     time.Time         `json:"created_at"`
}

// VariantCounts is a variant with its all-time sent count and the number of
// its impressions that produced at least one reward event
type VariantCounts struct {
	Variant *Variant
	Sent    int64
	Rewards int64
}

// TimeWindow bounds impression creation time. Nil ends are open.
type TimeWindow struct {
	From *time.Time
	To   *time.Time
}

// Contains reports whether t falls inside the window (inclusive)
func (w TimeWindow) Contains(t time.Time) bool {
	if w.From != nil && t.Before(*w.From) {
		return false
	}
	if w.To != nil && t.After(*w.To) {
		return false
	}
	return true
}

// APIKey is a hashed bearer credential
type APIKey struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Prefix    string     `json:"prefix"`
	Hash      []byte     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}
