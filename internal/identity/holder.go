package identity

import "sync/atomic"

// Holder publishes the current Identity to connection handlers. Swap installs
// a new snapshot; in-flight connections keep the one they loaded.
type Holder struct {
	current atomic.Pointer[Identity]
}

// NewHolder returns a Holder seeded with id.
func NewHolder(id *Identity) *Holder {
	h := &Holder{}
	h.current.Store(id)
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() *Identity {
	return h.current.Load()
}

// Swap installs a new snapshot. A nil id is ignored.
func (h *Holder) Swap(id *Identity) {
	if id == nil {
		return
	}
	h.current.Store(id)
}
