package engine

import "sync"

// Debouncer counts consecutive identical raw predictions. Once a
// non-baseline label repeats threshold times, the caller reports the
// baseline instead; the count keeps growing until the label changes.
type Debouncer struct {
	mu        sync.Mutex
	threshold int
	last      string
	count     int
}

// DebounceState is a snapshot for status endpoints and tests.
type DebounceState struct {
	Tracking  bool   `json:"tracking"`
	LastLabel string `json:"last_label,omitempty"`
	Count     int    `json:"consecutive_count"`
	Threshold int    `json:"threshold"`
}

func NewDebouncer(threshold int) *Debouncer {
	if threshold <= 0 {
		threshold = 3
	}
	return &Debouncer{threshold: threshold}
}

// Observe records label and reports the run length and whether the emitted
// result must be replaced by baseline.
func (d *Debouncer) Observe(label, baseline string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.count == 0 || label != d.last {
		d.last = label
		d.count = 1
	} else {
		d.count++
	}
	return d.count, d.count >= d.threshold && label != baseline
}

func (d *Debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = ""
	d.count = 0
}

func (d *Debouncer) SetThreshold(threshold int) {
	if threshold <= 0 {
		return
	}
	d.mu.Lock()
	d.threshold = threshold
	d.mu.Unlock()
}

func (d *Debouncer) State() DebounceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DebounceState{
		Tracking:  d.count > 0,
		LastLabel: d.last,
		Count:     d.count,
		Threshold: d.threshold,
	}
}
