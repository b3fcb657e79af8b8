package proctor

// Debouncer is a per-modality edge detector over classifications. It
// reports entries into a violation condition, including a switch between
// two different conditions, and stays silent while a condition persists
// or when it clears.
//
// A Debouncer is not safe for concurrent use; each monitor owns one.
type Debouncer struct {
	prev Classification
}

// Observe feeds the next classification and reports whether it must be
// recorded as a new violation.
func (d *Debouncer) Observe(c Classification) bool {
	if c.None() {
		d.prev = Classification{}
		return false
	}
	if !d.prev.None() && d.prev.Same(c) {
		return false
	}
	d.prev = c
	return true
}

// Current returns the last condition entered, or the zero value.
func (d *Debouncer) Current() Classification { return d.prev }

// Reset returns the debouncer to its initial "none" state.
func (d *Debouncer) Reset() { d.prev = Classification{} }
