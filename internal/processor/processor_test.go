package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-sync-engine/internal/store"
)

const fullRecord = `{
	"call_id": 9001,
	"date_started": 1709287200000,
	"date_rang": "1709287201",
	"date_connected": 1709287205,
	"date_ended": "2024-03-01T10:05:00Z",
	"direction": "INBOUND",
	"state": "Hangup",
	"duration": "295.5",
	"external_number": "+15550001",
	"internal_number": "+15550002",
	"was_recorded": true,
	"mos_score": 4.2,
	"contact": {"id": "c-1", "name": "Ada", "phone": "+15550001", "type": "local"},
	"target": {"id": "u-7", "name": "Grace", "email": "grace@example.com", "type": "user"},
	"recording_details": [
		{"id": "rec-1", "duration": 290, "recording_type": "callrecording", "start_time": 1709287205, "url": "https://rec/1"}
	]
}`

func TestTransformNormalisesFields(t *testing.T) {
	b, err := Transform(json.RawMessage(fullRecord))
	require.NoError(t, err)

	c := b.Call
	assert.Equal(t, "9001", c.CallID)
	assert.Equal(t, "inbound", c.Direction)
	assert.Equal(t, "hangup", c.State)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), c.DateStarted)
	require.NotNil(t, c.DateRang)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 1, 0, time.UTC), *c.DateRang)
	require.NotNil(t, c.DateEnded)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC), *c.DateEnded)
	assert.Equal(t, c.DateEnded, c.EventTimestamp)
	assert.InDelta(t, 295.5, c.Duration, 0.001)
	assert.InDelta(t, 295.5, c.TotalDuration, 0.001, "total duration defaults to duration")
	require.NotNil(t, c.MOSScore)
	assert.InDelta(t, 4.2, *c.MOSScore, 0.001)

	require.NotNil(t, b.Contact)
	assert.Equal(t, "c-1", *c.ContactID)
	require.NotNil(t, b.Target)
	assert.Equal(t, "u-7", *c.TargetID)
	require.Len(t, b.Recordings, 1)
	assert.Equal(t, "9001", b.Recordings[0].CallID)
	assert.Equal(t, "rec-1", *c.RecordingID)
}

func TestTransformDefaults(t *testing.T) {
	b, err := Transform(json.RawMessage(`{"id":"abc","start_time":1709287200}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", b.Call.CallID)
	assert.Equal(t, "unknown", b.Call.Direction)
	assert.Equal(t, "unknown", b.Call.State)
	assert.Zero(t, b.Call.Duration)
	assert.Nil(t, b.Contact)
	assert.Nil(t, b.Call.EventTimestamp)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), b.Call.DateStarted)
}

func TestTransformTargetEqualToContactSkipsUser(t *testing.T) {
	b, err := Transform(json.RawMessage(`{"call_id":"1","date_started":1,"contact":{"id":"x"},"target":{"id":"x"}}`))
	require.NoError(t, err)
	assert.NotNil(t, b.Contact)
	assert.Nil(t, b.Target)
	require.NotNil(t, b.Call.TargetID)
	assert.Equal(t, "x", *b.Call.TargetID)
}

func TestTransformRejectsNonScalarIDs(t *testing.T) {
	for _, id := range []string{`{"a":1}`, `[1,2]`, `true`} {
		t.Run(id, func(t *testing.T) {
			_, err := Transform(json.RawMessage(`{"call_id":` + id + `,"date_started":1709287200}`))
			assert.Error(t, err)
			assert.Empty(t, RecordID(json.RawMessage(`{"call_id":`+id+`}`)))

			_, err = New(store.NewMemory()).Process(context.Background(), json.RawMessage(`{"call_id":`+id+`,"date_started":1709287200}`))
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	b, err := Transform(json.RawMessage(`{"call_id":-12.5e3,"date_started":1709287200}`))
	require.NoError(t, err)
	assert.Equal(t, "-12.5e3", b.Call.CallID)
}

func TestRecordID(t *testing.T) {
	assert.Equal(t, "1", RecordID(json.RawMessage(`{"call_id":1,"id":2}`)))
	assert.Equal(t, "2", RecordID(json.RawMessage(`{"id":"2"}`)))
	assert.Equal(t, "", RecordID(json.RawMessage(`not json`)))
}

func TestProcessIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := New(st)

	id, err := p.Process(ctx, json.RawMessage(fullRecord))
	require.NoError(t, err)
	first, err := st.GetCall(ctx, id)
	require.NoError(t, err)

	_, err = p.Process(ctx, json.RawMessage(fullRecord))
	require.NoError(t, err)
	second, err := st.GetCall(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	_, ok := st.Recording("rec-1")
	assert.True(t, ok)
}

func TestProcessMergesPartiesAndOverwritesCalls(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := New(st)

	_, err := p.Process(ctx, json.RawMessage(fullRecord))
	require.NoError(t, err)

	newer := `{"call_id":"9001","date_started":1709287200000,"state":"voicemail","contact":{"id":"c-1","email":"ada@example.com"}}`
	_, err = p.Process(ctx, json.RawMessage(newer))
	require.NoError(t, err)

	call, err := st.GetCall(ctx, "9001")
	require.NoError(t, err)
	assert.Equal(t, "voicemail", call.State)
	assert.Equal(t, "unknown", call.Direction, "calls are overwritten, not merged")
	assert.Nil(t, call.MOSScore)

	contact, ok := st.Contact("c-1")
	require.True(t, ok)
	assert.Equal(t, "Ada", *contact.Name)
	assert.Equal(t, "ada@example.com", *contact.Email)
}

func TestProcessValidationFailures(t *testing.T) {
	p := New(store.NewMemory())
	cases := map[string]string{
		"missing id":        `{"date_started":1709287200}`,
		"missing start":     `{"call_id":"1"}`,
		"bad timestamp":     `{"call_id":"1","date_started":"yesterday"}`,
		"negative duration": `{"call_id":"1","date_started":1709287200,"duration":-1}`,
		"recording no id":   `{"call_id":"1","date_started":1709287200,"recording_details":[{"url":"x"}]}`,
		"not an object":     `[1,2,3]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := p.Process(context.Background(), json.RawMessage(raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestProcessPersistenceFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.FailWrite = func(kind, _ string) error {
		if kind == "recording" {
			return errors.New("connection reset")
		}
		return nil
	}
	p := New(st)

	id, err := p.Process(ctx, json.RawMessage(fullRecord))
	require.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, "9001", id)

	_, err = st.GetCall(ctx, "9001")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, ok := st.Contact("c-1")
	assert.False(t, ok)
}
