package message

import (
	"fmt"
	"sync"
)

// Outbox assigns nonces to outgoing messages and keeps a record of every
// message sent from its domain. Sent messages are never mutated.
type Outbox struct {
	mu     sync.Mutex
	domain Domain
	nonce  uint64
	sent   map[ID]Message
	order  []ID
}

func NewOutbox(domain Domain) *Outbox {
	return &Outbox{
		domain: domain,
		sent:   make(map[ID]Message),
	}
}

// Send stamps the source and next nonce onto msg and records it. The
// returned envelope is what the relay delivers.
func (o *Outbox) Send(msg Message) (Envelope, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	msg.Source = o.domain
	msg.Nonce = o.nonce + 1
	if err := msg.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("send %s: %w", msg.Kind, err)
	}

	id := msg.ID()
	o.nonce++
	o.sent[id] = msg
	o.order = append(o.order, id)
	return Envelope{ID: id, Message: msg}, nil
}

// Sent returns a previously sent message.
func (o *Outbox) Sent(id ID) (Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.sent[id]
	return m, ok
}

// Nonce returns the last nonce used.
func (o *Outbox) Nonce() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nonce
}

// Since returns sent envelopes with nonce greater than after, in send order.
// Used to re-publish after a restart.
func (o *Outbox) Since(after uint64) []Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []Envelope
	for _, id := range o.order {
		m := o.sent[id]
		if m.Nonce > after {
			out = append(out, Envelope{ID: id, Message: m})
		}
	}
	return out
}

// Restore reloads sent messages from a snapshot.
func (o *Outbox) Restore(envelopes []Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.sent = make(map[ID]Message, len(envelopes))
	o.order = o.order[:0]
	o.nonce = 0
	for _, e := range envelopes {
		o.sent[e.ID] = e.Message
		o.order = append(o.order, e.ID)
		if e.Message.Nonce > o.nonce {
			o.nonce = e.Message.Nonce
		}
	}
}
