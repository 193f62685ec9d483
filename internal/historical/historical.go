// Package historical holds resolved support tickets and answers keyword
// overlap queries against them.
package historical

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// DefaultLimit is the number of tickets Query returns when limit <= 0.
const DefaultLimit = 5

var (
	// ErrInvalidTicket is returned by Add for a ticket without an id.
	ErrInvalidTicket = errors.New("invalid historical ticket")

	// ErrDuplicateTicket is returned by Add when the id is already stored.
	ErrDuplicateTicket = errors.New("historical ticket already exists")
)

// Ticket is a resolved support ticket.
type Ticket struct {
	TicketID            string  `json:"ticketId"`
	Category            string  `json:"category"`
	Priority            string  `json:"priority"`
	Description         string  `json:"description"`
	Resolution          string  `json:"resolution"`
	ResolvedAt          string  `json:"resolvedAt"`
	ResolutionTimeHours float64 `json:"resolutionTimeHours"`
}

func (t Ticket) searchText() string {
	return strings.ToLower(t.Category + " " + t.Priority + " " + t.Description + " " + t.Resolution)
}

// Store is an in-process ticket collection, safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	tickets []Ticket
	ids     map[string]struct{}
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{ids: make(map[string]struct{})}
}

// NewSeededStore creates a store preloaded with the sample tickets.
func NewSeededStore() *Store {
	s := NewStore()
	for _, t := range seedTickets {
		s.tickets = append(s.tickets, t)
		s.ids[t.TicketID] = struct{}{}
	}
	return s
}

// Add stores a ticket.
func (s *Store) Add(t Ticket) error {
	t.TicketID = strings.TrimSpace(t.TicketID)
	if t.TicketID == "" {
		return fmt.Errorf("%w: ticketId is required", ErrInvalidTicket)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[t.TicketID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTicket, t.TicketID)
	}
	s.tickets = append(s.tickets, t)
	s.ids[t.TicketID] = struct{}{}
	return nil
}

// Len returns the number of stored tickets.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tickets)
}

// Query scores every ticket by how many of the question's lowercase words
// appear in its category, priority, description and resolution, and returns
// up to limit tickets with a non-zero score, best first. Ties keep insertion
// order. A question with no words matches nothing.
func (s *Store) Query(question string, limit int) []Ticket {
	if limit <= 0 {
		limit = DefaultLimit
	}
	keywords := strings.Fields(strings.ToLower(question))
	if len(keywords) == 0 {
		return []Ticket{}
	}

	type scored struct {
		ticket Ticket
		score  int
	}

	s.mu.RLock()
	matches := make([]scored, 0, len(s.tickets))
	for _, t := range s.tickets {
		text := t.searchText()
		score := 0
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, scored{ticket: t, score: score})
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(matches, func(a, b scored) int {
		return cmp.Compare(b.score, a.score)
	})

	out := make([]Ticket, 0, min(limit, len(matches)))
	for _, m := range matches[:min(limit, len(matches))] {
		out = append(out, m.ticket)
	}
	return out
}
