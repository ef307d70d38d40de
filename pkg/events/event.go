// Package events carries settlement outcomes to external consumers.
package events

import (
	"context"
	"errors"
)

type Type string

const (
	TypeFilled    Type = "rfq_filled"
	TypeCancelled Type = "rfq_cancelled"
)

// EventVersion is bumped on incompatible payload changes.
const EventVersion = 1

// Event is a settled fill or a maker cancellation. Amounts are decimal strings.
type Event struct {
	V            int    `json:"v"`
	Type         Type   `json:"type"`
	OrderHash    string `json:"orderHash,omitempty"`
	Maker        string `json:"maker"`
	Taker        string `json:"taker,omitempty"`
	Recipient    string `json:"recipient,omitempty"`
	MakerAsset   string `json:"makerAsset,omitempty"`
	TakerAsset   string `json:"takerAsset,omitempty"`
	MakingAmount string `json:"makingAmount,omitempty"`
	TakingAmount string `json:"takingAmount,omitempty"`
	Slot         uint64 `json:"slot"`
	Bit          uint8  `json:"bit"`
	Timestamp    uint64 `json:"ts"`
}

// Publisher delivers events. Settlement has already happened when Publish is
// called, so callers log failures instead of failing the operation.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }
