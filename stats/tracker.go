// Package stats tracks transfer throughput and estimates time remaining.
package stats

import "time"

const (
	// SampleInterval is the minimum spacing between speed samples.
	SampleInterval = 500 * time.Millisecond
	// EmitInterval caps progress notifications at ten per second.
	EmitInterval = 100 * time.Millisecond
	// Window is how many recent samples the average covers.
	Window = 10
)

// Snapshot is a point-in-time view of a Tracker.
type Snapshot struct {
	BytesDone  int64
	BytesTotal int64
	Speed      float64
	ETA        time.Duration
}

// Tracker is owned by a single transfer loop and is not safe for concurrent use.
type Tracker struct {
	now func() time.Time

	total int64
	done  int64

	sampleAt    time.Time
	sampleBytes int64
	speeds      []float64
	next        int

	lastEmit time.Time
}

// NewTracker starts tracking a transfer of totalBytes.
func NewTracker(totalBytes int64) *Tracker {
	return NewTrackerWithClock(totalBytes, time.Now)
}

// NewTrackerWithClock is NewTracker with an injected clock.
func NewTrackerWithClock(totalBytes int64, now func() time.Time) *Tracker {
	started := now()
	return &Tracker{
		now:      now,
		total:    totalBytes,
		sampleAt: started,
		speeds:   make([]float64, 0, Window),
	}
}

// Add records n transferred bytes and samples speed when due.
func (t *Tracker) Add(n int64) {
	t.done += n

	now := t.now()
	elapsed := now.Sub(t.sampleAt)
	if elapsed < SampleInterval {
		return
	}

	speed := float64(t.done-t.sampleBytes) / elapsed.Seconds()
	if len(t.speeds) < Window {
		t.speeds = append(t.speeds, speed)
	} else {
		t.speeds[t.next] = speed
	}
	t.next = (t.next + 1) % Window
	t.sampleAt = now
	t.sampleBytes = t.done
}

// Rewind removes bytes counted for a file attempt that is being retried.
func (t *Tracker) Rewind(n int64) {
	t.done = max(t.done-n, 0)
	t.sampleBytes = min(t.sampleBytes, t.done)
}

// Skip counts bytes already on disk from an earlier attempt without
// letting them inflate the speed estimate.
func (t *Tracker) Skip(n int64) {
	t.done += n
	t.sampleBytes += n
}

// Speed is the mean of the recent samples in bytes per second.
func (t *Tracker) Speed() float64 {
	if len(t.speeds) == 0 {
		return 0
	}
	var sum float64
	for _, s := range t.speeds {
		sum += s
	}
	return sum / float64(len(t.speeds))
}

// ETA estimates the remaining time, 0 when no speed is known yet.
func (t *Tracker) ETA() time.Duration {
	speed := t.Speed()
	remaining := t.total - t.done
	if speed <= 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / speed * float64(time.Second))
}

// ShouldEmit reports whether a progress notification is due and, if so,
// starts the next throttle window.
func (t *Tracker) ShouldEmit() bool {
	now := t.now()
	if !t.lastEmit.IsZero() && now.Sub(t.lastEmit) < EmitInterval {
		return false
	}
	t.lastEmit = now
	return true
}

// Snapshot returns the current totals and estimates.
func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		BytesDone:  t.done,
		BytesTotal: t.total,
		Speed:      t.Speed(),
		ETA:        t.ETA(),
	}
}
