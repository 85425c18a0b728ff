package odb

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
)

// SettlementQuote is one outstanding mint claim created to cover a
// substituted invoice. A quote only lives while it is pending; once it is
// paid and minted, or has expired, it is dropped.
type SettlementQuote struct {
	ID             string
	PaymentRequest string
	Amount         btcutil.Amount
	Expiry         time.Time
	Finalized      bool
}

func (q *SettlementQuote) Expired(now time.Time) bool {
	return q.Expiry.Before(now)
}

// Claim is what the mint hands back for a newly requested claim.
type Claim struct {
	ID             string
	PaymentRequest string
	Expiry         time.Time
}

type PaymentResult struct {
	Paid     bool
	Preimage string
}
