package dispatch

import (
	"sync"
	"time"
)

// race is the transient competition among notified garages for one pending
// booking. Its mutex only guards the bookkeeping below; who wins is decided
// by the booking store's compare-and-swap.
type race struct {
	mu         sync.Mutex
	bookingID  string
	customerID string
	openedAt   time.Time
	notified   map[string]bool
	declined   map[string]bool
	// accepting holds garages whose accept is between its checks and the
	// store transition.
	accepting map[string]bool
	// signalled holds garages that already received their terminal event.
	signalled map[string]bool
	winner    string
	done      bool
	timer     *time.Timer
}

func newRace(bookingID, customerID string, garages []string, now time.Time) *race {
	r := &race{
		bookingID:  bookingID,
		customerID: customerID,
		openedAt:   now,
		notified:   make(map[string]bool, len(garages)),
		declined:   make(map[string]bool),
		accepting:  make(map[string]bool),
		signalled:  make(map[string]bool),
	}
	for _, g := range garages {
		r.notified[g] = true
	}
	return r
}

func (r *race) isNotified(garageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notified[garageID]
}

// beginAccept marks garageID's accept as in flight. It returns false when
// the garage already declined.
func (r *race) beginAccept(garageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.declined[garageID] {
		return false
	}
	r.accepting[garageID] = true
	return true
}

func (r *race) endAccept(garageID string) {
	r.mu.Lock()
	delete(r.accepting, garageID)
	r.mu.Unlock()
}

// signalOnce reports whether garageID is owed its terminal event, and marks
// it as delivered.
func (r *race) signalOnce(garageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.signalLocked(garageID)
}

func (r *race) signalLocked(garageID string) bool {
	if !r.notified[garageID] || r.signalled[garageID] {
		return false
	}
	r.signalled[garageID] = true
	return true
}

// finish closes the race and returns the garages still owed a terminal
// event. winner, if set, is marked signalled but not returned. It returns
// ok=false when the race was already finished.
func (r *race) finish(winner string) (owed []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil, false
	}
	r.done = true
	r.winner = winner
	if r.timer != nil {
		r.timer.Stop()
	}
	if winner != "" {
		r.signalled[winner] = true
	}
	for g := range r.notified {
		if r.signalLocked(g) {
			owed = append(owed, g)
		}
	}
	return owed, true
}

// pendingFor reports whether garageID was notified and has not answered.
func (r *race) pendingFor(garageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.done && r.notified[garageID] && !r.declined[garageID] && !r.signalled[garageID]
}
