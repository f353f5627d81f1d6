package vocab

import "sync/atomic"

// Holder publishes the active tables to concurrent readers and lets a file watcher swap them.
type Holder struct {
	p atomic.Pointer[Tables]
}

// NewHolder returns a holder serving t.
func NewHolder(t Tables) *Holder {
	h := &Holder{}
	h.Store(t)
	return h
}

// Load returns the active tables.
func (h *Holder) Load() Tables {
	return *h.p.Load()
}

// Store replaces the active tables.
func (h *Holder) Store(t Tables) {
	h.p.Store(&t)
}
