// Package progress fans job progress out to live subscribers. Delivery is best
// effort: a slow subscriber loses intermediate events, never the newest one.
package progress

import (
	"sync"
	"time"

	"call-sync-engine/internal/models"
	"call-sync-engine/internal/telemetry"
)

// Event is one progress snapshot.
type Event struct {
	JobID    string           `json:"job_id"`
	Status   models.JobStatus `json:"status"`
	Counters models.Counters  `json:"counters"`
	Error    *string          `json:"error,omitempty"`
	At       time.Time        `json:"at"`
}

// EventFromJob snapshots a job.
func EventFromJob(job models.SyncJob) Event {
	return Event{JobID: job.ID, Status: job.Status, Counters: job.Counters, Error: job.Error, At: time.Now().UTC()}
}

const bufferSize = 16

type subscriber struct {
	ch chan Event
}

// Broadcaster keeps one subscriber set per job.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe registers for a job's events. snapshot is delivered first. If the
// snapshot is already terminal the channel is closed right after it. cancel is
// idempotent and closes the channel if Publish has not.
func (b *Broadcaster) Subscribe(jobID string, snapshot Event) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, bufferSize)}
	s.ch <- snapshot
	if snapshot.Status.Terminal() {
		close(s.ch)
		return s.ch, func() {}
	}

	b.mu.Lock()
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[jobID] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[jobID]; ok {
				if _, ok := set[s]; ok {
					delete(set, s)
					close(s.ch)
				}
				if len(set) == 0 {
					delete(b.subs, jobID)
				}
			}
		})
	}
	return s.ch, cancel
}

// Publish delivers ev to every subscriber of its job without blocking. A terminal
// event closes the job's subscriptions after delivery.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.subs[ev.JobID]
	for s := range set {
		deliver(s.ch, ev)
	}
	if ev.Status.Terminal() {
		for s := range set {
			close(s.ch)
		}
		delete(b.subs, ev.JobID)
	}
}

// Subscribers reports the live subscriber count for a job.
func (b *Broadcaster) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

// deliver sends ev, evicting the oldest buffered event when the buffer is full.
// Only Publish sends, under b.mu, so a freed slot cannot be taken by another sender.
func deliver(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
			telemetry.ProgressDropped.Inc()
		default:
		}
	}
}
