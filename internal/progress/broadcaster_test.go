package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-sync-engine/internal/models"
)

func ev(id string, status models.JobStatus, inserted int) Event {
	return Event{JobID: id, Status: status, Counters: models.Counters{RecordsInserted: inserted}}
}

func collect(ch <-chan Event) []Event {
	var out []Event
	for e := range ch {
		out = append(out, e)
	}
	return out
}

func TestSnapshotFirstThenUpdatesUntilTerminal(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe("j1", ev("j1", models.StatusRunning, 3))
	defer cancel()

	b.Publish(ev("j1", models.StatusRunning, 4))
	b.Publish(ev("other", models.StatusRunning, 99))
	b.Publish(ev("j1", models.StatusCompleted, 5))

	got := collect(ch)
	require.Len(t, got, 3)
	assert.Equal(t, 3, got[0].Counters.RecordsInserted)
	assert.Equal(t, 4, got[1].Counters.RecordsInserted)
	assert.Equal(t, models.StatusCompleted, got[2].Status)
	assert.Zero(t, b.Subscribers("j1"))
}

func TestTerminalSnapshotClosesImmediately(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe("j1", ev("j1", models.StatusFailed, 0))
	cancel()

	got := collect(ch)
	require.Len(t, got, 1)
	assert.Equal(t, models.StatusFailed, got[0].Status)
	assert.Zero(t, b.Subscribers("j1"))
}

func TestSlowSubscriberKeepsNewest(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe("j1", ev("j1", models.StatusRunning, 0))
	defer cancel()

	for i := 1; i <= 100; i++ {
		b.Publish(ev("j1", models.StatusRunning, i))
	}
	b.Publish(ev("j1", models.StatusPartial, 100))

	got := collect(ch)
	require.LessOrEqual(t, len(got), bufferSize)
	last := got[len(got)-1]
	assert.Equal(t, models.StatusPartial, last.Status)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i].Counters.RecordsInserted, got[i-1].Counters.RecordsInserted)
	}
}

func TestCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster()
	ch1, cancel1 := b.Subscribe("j1", ev("j1", models.StatusRunning, 0))
	_, cancel2 := b.Subscribe("j1", ev("j1", models.StatusRunning, 0))
	assert.Equal(t, 2, b.Subscribers("j1"))

	cancel1()
	cancel1()
	assert.Equal(t, 1, b.Subscribers("j1"))
	assert.Len(t, collect(ch1), 1)

	cancel2()
	assert.Zero(t, b.Subscribers("j1"))
	b.Publish(ev("j1", models.StatusCompleted, 0))
}
