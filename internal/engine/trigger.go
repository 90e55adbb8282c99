package engine

import "time"

// Trigger is the per-aggregation-node state machine deciding when a
// buffered batch must flush: when the buffered count reaches the count
// threshold, OR when a configured timeout has elapsed since the first
// buffered row.
//
// Timeout checks are opportunistic - evaluated on every RecordAccept and
// on explicit ticks from the host loop - never on a dedicated timer
// goroutine. Single-threaded on purpose; the owning Row Processor is the
// only caller.
type Trigger struct {
	countThreshold int
	timeout        time.Duration // 0 = no timeout trigger
	now            func() time.Time

	bufferedCount   int
	firstBufferedAt time.Time
}

// NewTrigger creates a trigger with the given thresholds.
// countThreshold <= 0 disables the count trigger; timeout 0 disables the
// elapsed-time trigger. The now func is injectable for tests.
func NewTrigger(countThreshold int, timeout time.Duration, now func() time.Time) *Trigger {
	if now == nil {
		now = time.Now
	}
	return &Trigger{
		countThreshold: countThreshold,
		timeout:        timeout,
		now:            now,
	}
}

// RecordAccept notes that one more row was buffered.
// The first call since the last Reset stamps firstBufferedAt.
func (t *Trigger) RecordAccept() {
	if t.bufferedCount == 0 {
		t.firstBufferedAt = t.now()
	}
	t.bufferedCount++
}

// ShouldTrigger reports whether the batch is ready to flush.
func (t *Trigger) ShouldTrigger() bool {
	if t.bufferedCount == 0 {
		return false
	}
	if t.countThreshold > 0 && t.bufferedCount >= t.countThreshold {
		return true
	}
	if t.timeout > 0 && t.now().Sub(t.firstBufferedAt) >= t.timeout {
		return true
	}
	return false
}

// Reset clears both fields. Called immediately after a flush.
func (t *Trigger) Reset() {
	t.bufferedCount = 0
	t.firstBufferedAt = time.Time{}
}

// BufferedCount returns the number of rows accepted since the last Reset.
func (t *Trigger) BufferedCount() int {
	return t.bufferedCount
}
