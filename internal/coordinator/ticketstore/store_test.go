package ticketstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riftworks/moltcraft-coordinator/pkg/coordinator"
)

func newTestTicket() *coordinator.Ticket {
	return coordinator.NewTicket(coordinator.NewTicketID(), &coordinator.Plan{Status: coordinator.PlanOK}, 0)
}

func TestPutGet(t *testing.T) {
	s := New()
	ticket := newTestTicket()
	s.Put(ticket)

	got, ok := s.Get(ticket.ID)
	require.True(t, ok)
	require.Equal(t, ticket, got)
}

func TestMustGet_UnknownTicketReturnsError(t *testing.T) {
	s := New()
	_, err := s.MustGet(coordinator.NewTicketID())
	require.ErrorIs(t, err, ErrTicketNotFound)
}

func TestTransition_TerminalClearsDeadline(t *testing.T) {
	s := New()
	ticket := newTestTicket()
	s.Put(ticket)
	s.SetDeadline(ticket.ID, time.Now().Add(time.Minute), "T_confirm")

	require.NoError(t, s.Transition(ticket.ID, coordinator.TicketCancelled))
	require.Empty(t, s.Expired(time.Now().Add(time.Hour)))
}

func TestExpired_ReturnsOnlyPastDeadlines(t *testing.T) {
	s := New()
	ticket := newTestTicket()
	s.Put(ticket)

	now := time.Now()
	s.SetDeadline(ticket.ID, now.Add(-time.Second), "T_confirm")

	expired := s.Expired(now)
	require.Equal(t, "T_confirm", expired[ticket.ID])
}

func TestActive_ExcludesTerminalTickets(t *testing.T) {
	s := New()
	live := newTestTicket()
	done := newTestTicket()
	done.State = coordinator.TicketRetired
	s.Put(live)
	s.Put(done)

	active := s.Active()
	require.Len(t, active, 1)
	require.Equal(t, live.ID, active[0].ID)
}

func TestPurge_RemovesTicketAndDeadline(t *testing.T) {
	s := New()
	ticket := newTestTicket()
	s.Put(ticket)
	s.SetDeadline(ticket.ID, time.Now(), "T_craft")

	s.Purge(ticket.ID)
	_, ok := s.Get(ticket.ID)
	require.False(t, ok)
}
