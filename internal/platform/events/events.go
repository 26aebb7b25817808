// Package events carries domain events over Redis pub/sub: outbound
// notifications (admission resolved, invoice created, invoice paid) and the
// inbound stream of payment confirmations from the gateway.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope published for every domain event.
type Event struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	EstablishmentID string          `json:"establishment_id,omitempty"`
	SubjectID       string          `json:"subject_id"`
	OccurredAt      time.Time       `json:"occurred_at"`
	Data            json.RawMessage `json:"data,omitempty"`
}

const (
	TypeAdmissionApproved = "admission.approved"
	TypeAdmissionRejected = "admission.rejected"
	TypeAdmissionExpired  = "admission.expired"
	TypeInvoiceCreated    = "invoice.created"
	TypeInvoicePaid       = "invoice.paid"
	TypeInvoiceCancelled  = "invoice.cancelled"
	TypeConsentRevoked    = "consent.revoked"
)

// New builds an event with a fresh id, marshalling data into the envelope.
func New(eventType, establishmentID, subjectID string, data interface{}) (Event, error) {
	ev := Event{
		ID:              uuid.New().String(),
		Type:            eventType,
		EstablishmentID: establishmentID,
		SubjectID:       subjectID,
		OccurredAt:      time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		ev.Data = raw
	}
	return ev, nil
}

// Publisher delivers events. Publishing happens after the owning
// transaction commits and its failure never undoes the write.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops every event. Used when Redis is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	evs := r.Events()
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}
