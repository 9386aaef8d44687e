package session

import (
	"slices"
	"sync"
)

// DefaultReceivedLimit is how many incoming msg ids are remembered.
const DefaultReceivedLimit = 400

// ReceivedIDs is a bounded window of incoming message ids.
//
// Ids that fall below the window are treated as already received.
type ReceivedIDs struct {
	mux   sync.RWMutex
	ids   map[int64]bool
	min   int64
	Limit int
}

// Register stores id and returns false if it is duplicate or too old.
func (r *ReceivedIDs) Register(id int64, needAck bool) bool {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.ids == nil {
		r.ids = make(map[int64]bool)
	}
	if id <= r.min {
		return false
	}
	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = needAck

	limit := r.Limit
	if limit <= 0 {
		limit = DefaultReceivedLimit
	}
	if len(r.ids) > limit {
		ids := make([]int64, 0, len(r.ids))
		for k := range r.ids {
			ids = append(ids, k)
		}
		slices.Sort(ids)
		drop := ids[:len(ids)-limit]
		for _, k := range drop {
			delete(r.ids, k)
		}
		r.min = drop[len(drop)-1]
	}
	return true
}

// Lookup returns whether id was received and whether it needed ack.
// Ids below the window are reported as received without ack.
func (r *ReceivedIDs) Lookup(id int64) (received, needAck bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	if id <= r.min && r.min != 0 {
		return true, false
	}
	needAck, received = r.ids[id]
	return received, needAck
}

// Min returns lower bound of the window.
func (r *ReceivedIDs) Min() int64 {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return r.min
}

// Len returns count of remembered ids.
func (r *ReceivedIDs) Len() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return len(r.ids)
}

// Clear forgets all ids.
func (r *ReceivedIDs) Clear() {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.ids = nil
	r.min = 0
}
