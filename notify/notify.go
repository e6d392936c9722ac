// Package notify delivers settlement events to the point-of-sale terminal.
package notify

import (
	"context"
	"errors"
	"time"
)

type EventKind string

const (
	PaymentRequested EventKind = "PAYMENT_REQUESTED"
	PaymentConfirmed EventKind = "PAYMENT_CONFIRMED"
)

// Event is what terminals receive. Amount is the fiat amount in minor units.
type Event struct {
	Kind      EventKind `json:"type"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	IntentID  string    `json:"intentId"`
	Network   string    `json:"network,omitempty"`
	Reference string    `json:"reference,omitempty"`
	At        time.Time `json:"at"`
}

type Sink interface {
	Notify(ctx context.Context, ev Event) error
}

type NoopSink struct{}

func (NoopSink) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OrNoop returns s, or a NoopSink when s is nil.
func OrNoop(s Sink) Sink {
	if s == nil {
		return NoopSink{}
	}
	return s
}
