package processor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"

	"call-sync-engine/internal/models"
)

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
const epochMillisThreshold = 9999999999

// flexTime accepts epoch seconds or milliseconds, as a number or numeric string,
// or an RFC 3339 string. null and "" leave it unset.
type flexTime struct {
	t   time.Time
	set bool
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		ms := int64(n)
		if ms <= epochMillisThreshold {
			ms *= 1000
		}
		f.t, f.set = time.UnixMilli(ms).UTC(), true
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("unsupported timestamp %q", s)
	}
	f.t, f.set = t.UTC(), true
	return nil
}

func (f flexTime) ptr() *time.Time {
	if !f.set {
		return nil
	}
	t := f.t
	return &t
}

// flexFloat accepts a number or a numeric string.
type flexFloat struct {
	v   float64
	set bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("unsupported number %q", s)
	}
	f.v, f.set = v, true
	return nil
}

// flexString accepts a string or a number, the API returns ids as either.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := gojson.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if _, err := strconv.ParseFloat(string(b), 64); err != nil {
		return fmt.Errorf("id must be a string or number, got %s", b)
	}
	*f = flexString(b)
	return nil
}

type rawParty struct {
	ID    flexString `json:"id"`
	Name  *string    `json:"name"`
	Email *string    `json:"email"`
	Phone *string    `json:"phone"`
	Type  *string    `json:"type"`
}

type rawRecording struct {
	ID            flexString `json:"id"`
	Duration      flexFloat  `json:"duration"`
	RecordingType string     `json:"recording_type"`
	StartTime     flexTime   `json:"start_time"`
	URL           string     `json:"url"`
}

type rawCall struct {
	CallID            flexString     `json:"call_id"`
	ID                flexString     `json:"id"`
	DateStarted       flexTime       `json:"date_started"`
	StartTime         flexTime       `json:"start_time"`
	DateRang          flexTime       `json:"date_rang"`
	DateConnected     flexTime       `json:"date_connected"`
	DateEnded         flexTime       `json:"date_ended"`
	EventTimestamp    flexTime       `json:"event_timestamp"`
	Direction         string         `json:"direction"`
	State             string         `json:"state"`
	Duration          flexFloat      `json:"duration"`
	TotalDuration     flexFloat      `json:"total_duration"`
	ExternalNumber    string         `json:"external_number"`
	InternalNumber    string         `json:"internal_number"`
	IsTransferred     bool           `json:"is_transferred"`
	WasRecorded       bool           `json:"was_recorded"`
	MOSScore          flexFloat      `json:"mos_score"`
	GroupID           flexString     `json:"group_id"`
	EntryPointCallID  flexString     `json:"entry_point_call_id"`
	MasterCallID      flexString     `json:"master_call_id"`
	TranscriptionText *string        `json:"transcription_text"`
	VoicemailLink     *string        `json:"voicemail_link"`
	RecordingID       flexString     `json:"recording_id"`
	Contact           *rawParty      `json:"contact"`
	Target            *rawParty      `json:"target"`
	RecordingDetails  []rawRecording `json:"recording_details"`
}

// RecordID extracts the external id of a raw record without validating it.
// It returns "" when the payload has none.
func RecordID(raw json.RawMessage) string {
	var ids struct {
		CallID flexString `json:"call_id"`
		ID     flexString `json:"id"`
	}
	if err := gojson.Unmarshal(raw, &ids); err != nil {
		return ""
	}
	if ids.CallID != "" {
		return string(ids.CallID)
	}
	return string(ids.ID)
}

// Transform maps a raw API record onto the internal entity shape. It does not
// validate required fields; see Processor.
func Transform(raw json.RawMessage) (models.CallBundle, error) {
	var rc rawCall
	if err := gojson.Unmarshal(raw, &rc); err != nil {
		return models.CallBundle{}, fmt.Errorf("decode record: %w", err)
	}

	callID := string(rc.CallID)
	if callID == "" {
		callID = string(rc.ID)
	}
	started := rc.DateStarted
	if !started.set {
		started = rc.StartTime
	}

	call := models.Call{
		CallID:            callID,
		Direction:         lowerOr(rc.Direction, "unknown"),
		State:             lowerOr(rc.State, "unknown"),
		DateStarted:       started.t,
		DateRang:          rc.DateRang.ptr(),
		DateConnected:     rc.DateConnected.ptr(),
		DateEnded:         rc.DateEnded.ptr(),
		Duration:          rc.Duration.v,
		TotalDuration:     rc.Duration.v,
		ExternalNumber:    rc.ExternalNumber,
		InternalNumber:    rc.InternalNumber,
		IsTransferred:     rc.IsTransferred,
		WasRecorded:       rc.WasRecorded,
		GroupID:           rc.GroupID.ptr(),
		EntryPointCallID:  rc.EntryPointCallID.ptr(),
		MasterCallID:      rc.MasterCallID.ptr(),
		TranscriptionText: rc.TranscriptionText,
		VoicemailLink:     rc.VoicemailLink,
		RecordingID:       rc.RecordingID.ptr(),
	}
	if rc.TotalDuration.set {
		call.TotalDuration = rc.TotalDuration.v
	}
	if rc.MOSScore.set {
		v := rc.MOSScore.v
		call.MOSScore = &v
	}
	call.EventTimestamp = firstSet(rc.EventTimestamp, rc.DateEnded)

	bundle := models.CallBundle{Call: call}
	if rc.Contact != nil && rc.Contact.ID != "" {
		p := rc.Contact.party()
		bundle.Contact = &p
		bundle.Call.ContactID = &p.ID
	}
	if rc.Target != nil && rc.Target.ID != "" {
		p := rc.Target.party()
		bundle.Call.TargetID = &p.ID
		// a target that is also the contact is not a user
		if bundle.Contact == nil || bundle.Contact.ID != p.ID {
			bundle.Target = &p
		}
	}
	for _, r := range rc.RecordingDetails {
		bundle.Recordings = append(bundle.Recordings, models.Recording{
			ID:            string(r.ID),
			CallID:        callID,
			Duration:      r.Duration.v,
			RecordingType: r.RecordingType,
			StartTime:     r.StartTime.ptr(),
			URL:           r.URL,
		})
	}
	if bundle.Call.RecordingID == nil && len(bundle.Recordings) > 0 {
		id := bundle.Recordings[0].ID
		bundle.Call.RecordingID = &id
	}
	return bundle, nil
}

func (p rawParty) party() models.Party {
	return models.Party{ID: string(p.ID), Name: p.Name, Email: p.Email, Phone: p.Phone, Type: p.Type}
}

func (f flexString) ptr() *string {
	if f == "" {
		return nil
	}
	s := string(f)
	return &s
}

func lowerOr(s, def string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return def
	}
	return s
}

func firstSet(ts ...flexTime) *time.Time {
	for _, t := range ts {
		if t.set {
			return t.ptr()
		}
	}
	return nil
}
