package message

import (
	"fmt"
	"sort"
	"sync"
)

// Status is the receive-side state of a message identifier.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusConsumed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// Entry is a stored inbound message. Consumption flips a flag; entries are
// never removed.
type Entry struct {
	ID       ID
	Message  Message
	Consumed bool
}

// Registry is the inbound message store for one domain. It is the only
// synchronization point between the two domains: every state transition on
// the receiving side gates on a successful Consume.
type Registry struct {
	mu      sync.RWMutex
	entries map[ID]*Entry
	byLoan  map[uint64][]ID
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[ID]*Entry),
		byLoan:  make(map[uint64][]ID),
	}
}

// Receive stores an inbound message under id. The id is set-once: an
// identical redelivery is a no-op, different content is a protocol violation.
func (r *Registry) Receive(id ID, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.ID() != id {
		return fmt.Errorf("%w: claimed %s, computed %s", ErrIDMismatch, id.Hex(), msg.ID().Hex())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[id]; ok {
		if existing.Message != msg {
			return fmt.Errorf("%w: %s", ErrConflictingResend, id.Hex())
		}
		return nil
	}

	r.entries[id] = &Entry{ID: id, Message: msg}
	r.byLoan[msg.LoanID] = append(r.byLoan[msg.LoanID], id)
	return nil
}

// Peek returns the message if it is delivered and not yet consumed, without
// marking it. Callers validate against Peek and then Consume.
func (r *Registry) Peek(id ID) (Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id.Hex())
	}
	if e.Consumed {
		return Message{}, fmt.Errorf("%w: %s", ErrAlreadyConsumed, id.Hex())
	}
	return e.Message, nil
}

// Consume atomically reads the message and marks it consumed.
func (r *Registry) Consume(id ID) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id.Hex())
	}
	if e.Consumed {
		return Message{}, fmt.Errorf("%w: %s", ErrAlreadyConsumed, id.Hex())
	}
	e.Consumed = true
	return e.Message, nil
}

// Get is an idempotent re-read that works before and after consumption.
func (r *Registry) Get(id ID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (r *Registry) Status(id ID) Status {
	e, ok := r.Get(id)
	switch {
	case !ok:
		return StatusUnknown
	case e.Consumed:
		return StatusConsumed
	default:
		return StatusPending
	}
}

// PendingFor lists unconsumed messages of kind for a loan, in arrival order.
func (r *Registry) PendingFor(loanID uint64, kind Kind) []Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Envelope
	for _, id := range r.byLoan[loanID] {
		e := r.entries[id]
		if e.Consumed || e.Message.Kind != kind {
			continue
		}
		out = append(out, Envelope{ID: id, Message: e.Message})
	}
	return out
}

// Pending lists every unconsumed message ordered by sender nonce.
func (r *Registry) Pending() []Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Envelope
	for id, e := range r.entries {
		if !e.Consumed {
			out = append(out, Envelope{ID: id, Message: e.Message})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Message.Nonce < out[j].Message.Nonce
	})
	return out
}

// HasDelivered reports whether any message of kind, consumed or not, exists for loanID.
func (r *Registry) HasDelivered(loanID uint64, kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.byLoan[loanID] {
		if r.entries[id].Message.Kind == kind {
			return true
		}
	}
	return false
}

// Entries returns all entries sorted by id, for snapshots.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.Hex() < out[j].ID.Hex()
	})
	return out
}

// Restore rebuilds the registry from snapshot entries. Snapshots list
// entries by id, so each loan's messages are put back in sender nonce order.
func (r *Registry) Restore(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[ID]*Entry, len(entries))
	r.byLoan = make(map[uint64][]ID)
	for i := range entries {
		e := entries[i]
		r.entries[e.ID] = &e
		r.byLoan[e.Message.LoanID] = append(r.byLoan[e.Message.LoanID], e.ID)
	}
	for _, ids := range r.byLoan {
		sort.Slice(ids, func(i, j int) bool {
			ni, nj := r.entries[ids[i]].Message.Nonce, r.entries[ids[j]].Message.Nonce
			if ni != nj {
				return ni < nj
			}
			return ids[i].Hex() < ids[j].Hex()
		})
	}
}

// MaxNonce returns the highest sender nonce received, or 0 when empty.
func (r *Registry) MaxNonce() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var hw uint64
	for _, e := range r.entries {
		if e.Message.Nonce > hw {
			hw = e.Message.Nonce
		}
	}
	return hw
}
