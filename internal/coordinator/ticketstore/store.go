// Package ticketstore is the Ticket Store (spec.md §2 "T"): an in-memory,
// single-threaded map of live crafting tickets and their timeout deadlines.
// It does not check reservation or stored counts, and a terminal ticket
// stays in the map until Purge is called.
package ticketstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/riftworks/moltcraft-coordinator/pkg/coordinator"
)

// ErrTicketNotFound is returned when a lookup or mutation targets an
// unknown ticket id.
var ErrTicketNotFound = errors.New("ticketstore: ticket not found")

// deadline tracks the single outstanding timeout for a ticket, if any.
type deadline struct {
	at     time.Time
	reason string // e.g. "T_confirm", "T_extract", "T_craft"
}

// Store holds all live tickets. It is not safe for concurrent use from
// multiple goroutines — the scheduler's single-threaded tick loop is its
// only caller, matching spec.md §5's concurrency model.
type Store struct {
	tickets   map[coordinator.TicketID]*coordinator.Ticket
	deadlines map[coordinator.TicketID]deadline
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		tickets:   make(map[coordinator.TicketID]*coordinator.Ticket),
		deadlines: make(map[coordinator.TicketID]deadline),
	}
}

// Put registers a new ticket.
func (s *Store) Put(t *coordinator.Ticket) {
	s.tickets[t.ID] = t
}

// Get retrieves a ticket by id.
func (s *Store) Get(id coordinator.TicketID) (*coordinator.Ticket, bool) {
	t, ok := s.tickets[id]
	return t, ok
}

// MustGet retrieves a ticket or returns ErrTicketNotFound.
func (s *Store) MustGet(id coordinator.TicketID) (*coordinator.Ticket, error) {
	t, ok := s.tickets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, id)
	}
	return t, nil
}

// Transition moves a ticket to a new state. It does not validate the
// transition graph itself — the scheduler owns that — but it is the single
// place a state change is recorded, which keeps deadline bookkeeping in
// sync (deadlines are cleared on entry to a terminal state).
func (s *Store) Transition(id coordinator.TicketID, next coordinator.TicketState) error {
	t, ok := s.tickets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTicketNotFound, id)
	}
	t.State = next
	if IsTerminal(next) {
		delete(s.deadlines, id)
	}
	return nil
}

// IsTerminal reports whether a state has no further transitions.
func IsTerminal(state coordinator.TicketState) bool {
	switch state {
	case coordinator.TicketRetired, coordinator.TicketFailed, coordinator.TicketCancelled:
		return true
	default:
		return false
	}
}

// SetDeadline arms a timeout for a ticket, replacing any existing one.
func (s *Store) SetDeadline(id coordinator.TicketID, at time.Time, reason string) {
	s.deadlines[id] = deadline{at: at, reason: reason}
}

// ClearDeadline removes a ticket's outstanding timeout, if any.
func (s *Store) ClearDeadline(id coordinator.TicketID) {
	delete(s.deadlines, id)
}

// Expired returns the ids of tickets whose deadline has passed as of now,
// along with the reason recorded for each, for the scheduler tick loop to
// act on.
func (s *Store) Expired(now time.Time) map[coordinator.TicketID]string {
	out := make(map[coordinator.TicketID]string)
	for id, d := range s.deadlines {
		if !now.Before(d.at) {
			out[id] = d.reason
		}
	}
	return out
}

// Purge removes a terminal ticket from the store. Non-goal (b) excludes
// crash-safe persistence, so purge is purely an in-memory eviction —
// diagnostic retrieval (spec.md §4.4) is only guaranteed for a brief window
// before the caller purges.
func (s *Store) Purge(id coordinator.TicketID) {
	delete(s.tickets, id)
	delete(s.deadlines, id)
}

// Active returns every non-terminal ticket, in no particular order; the
// scheduler imposes round-robin fairness over this set itself.
func (s *Store) Active() []*coordinator.Ticket {
	var out []*coordinator.Ticket
	for _, t := range s.tickets {
		if !IsTerminal(t.State) {
			out = append(out, t)
		}
	}
	return out
}
