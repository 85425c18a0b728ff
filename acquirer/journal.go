package acquirer

import (
	"context"

	"github.com/the-lightning-land/overflowd/odb"
)

// OrderJournal remembers orders that are about to be paid, so a crash
// between paying and receiving the channel doesn't go unnoticed.
type OrderJournal interface {
	Record(ctx context.Context, order *odb.LspOrder) error
	MarkPaid(ctx context.Context, orderId string, preimage string) error
	MarkFailed(ctx context.Context, orderId string, reason string) error
	MarkSettled(ctx context.Context, orderId string, state odb.OrderState) error
	// Unsettled lists orders that were recorded but never settled.
	Unsettled(ctx context.Context) ([]*odb.LspOrder, error)
}

type noopJournal struct{}

func (noopJournal) Record(context.Context, *odb.LspOrder) error               { return nil }
func (noopJournal) MarkPaid(context.Context, string, string) error            { return nil }
func (noopJournal) MarkFailed(context.Context, string, string) error          { return nil }
func (noopJournal) MarkSettled(context.Context, string, odb.OrderState) error { return nil }
func (noopJournal) Unsettled(context.Context) ([]*odb.LspOrder, error)        { return nil, nil }
