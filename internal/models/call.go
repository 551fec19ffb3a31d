package models

import "time"

// Call is the canonical business record, keyed by the external call id.
// Upserts overwrite every field.
type Call struct {
	CallID            string     `json:"call_id" validate:"required,max=128"`
	ContactID         *string    `json:"contact_id,omitempty"`
	TargetID          *string    `json:"target_id,omitempty"`
	Direction         string     `json:"direction"`
	State             string     `json:"state"`
	DateStarted       time.Time  `json:"date_started" validate:"required"`
	DateRang          *time.Time `json:"date_rang,omitempty"`
	DateConnected     *time.Time `json:"date_connected,omitempty"`
	DateEnded         *time.Time `json:"date_ended,omitempty"`
	Duration          float64    `json:"duration" validate:"gte=0"`
	TotalDuration     float64    `json:"total_duration" validate:"gte=0"`
	ExternalNumber    string     `json:"external_number"`
	InternalNumber    string     `json:"internal_number"`
	IsTransferred     bool       `json:"is_transferred"`
	WasRecorded       bool       `json:"was_recorded"`
	MOSScore          *float64   `json:"mos_score,omitempty"`
	GroupID           *string    `json:"group_id,omitempty"`
	EntryPointCallID  *string    `json:"entry_point_call_id,omitempty"`
	MasterCallID      *string    `json:"master_call_id,omitempty"`
	EventTimestamp    *time.Time `json:"event_timestamp,omitempty"`
	TranscriptionText *string    `json:"transcription_text,omitempty"`
	VoicemailLink     *string    `json:"voicemail_link,omitempty"`
	RecordingID       *string    `json:"recording_id,omitempty"`
}

// Party is a contact or a user referenced by calls. Upserts merge:
// nil fields never blank out stored values.
type Party struct {
	ID    string  `json:"id" validate:"required"`
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
	Phone *string `json:"phone,omitempty"`
	Type  *string `json:"type,omitempty"`
}

// Recording is recording metadata attached to a call.
type Recording struct {
	ID            string     `json:"id" validate:"required"`
	CallID        string     `json:"call_id" validate:"required"`
	Duration      float64    `json:"duration"`
	RecordingType string     `json:"recording_type"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	URL           string     `json:"url"`
}

// CallBundle is everything one raw record persists in a single transaction.
type CallBundle struct {
	Call       Call
	Contact    *Party      `validate:"omitempty"`
	Target     *Party      `validate:"omitempty"`
	Recordings []Recording `validate:"dive"`
}
