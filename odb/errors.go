package odb

import (
	"fmt"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/go-errors/errors"
	"github.com/lightningnetwork/lnd/lnwire"
)

// UpstreamUnavailableError is returned when the node, the mint or the LSP
// can't be reached or answers with something we can't make sense of. It is
// always retried on the next scheduled run.
type UpstreamUnavailableError struct {
	Service string
	Err     error
}

func (err UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("%v unavailable: %v", err.Service, err.Err)
}

func (err UpstreamUnavailableError) Unwrap() error {
	return err.Err
}

// InsufficientLiquidityError is handed to the invoice caller when inbound
// liquidity is too low and the mint refused to issue a claim either.
type InsufficientLiquidityError struct {
	RequestedMsat lnwire.MilliSatoshi
	InboundMsat   lnwire.MilliSatoshi
	Reason        error
}

func (err InsufficientLiquidityError) Error() string {
	return fmt.Sprintf("Inbound liquidity of %v is too low for %v and the mint refused a claim: %v",
		err.InboundMsat, err.RequestedMsat, err.Reason)
}

func (err InsufficientLiquidityError) Unwrap() error {
	return err.Reason
}

// ShortfallMsat is the amount of inbound liquidity missing for the request.
func (err InsufficientLiquidityError) ShortfallMsat() lnwire.MilliSatoshi {
	if err.InboundMsat >= err.RequestedMsat {
		return 0
	}
	return err.RequestedMsat - err.InboundMsat
}

// RaceLostError means the balance that triggered an acquisition was gone by
// the time the order had to be paid.
type RaceLostError struct {
	Balance    btcutil.Amount
	OrderTotal btcutil.Amount
}

func (err RaceLostError) Error() string {
	return fmt.Sprintf("Balance of %v no longer covers order total of %v", err.Balance, err.OrderTotal)
}

// InvariantViolationError is fatal to the operation that hit it, never to the
// whole process.
type InvariantViolationError struct {
	Invariant string
	QuoteId   string
}

func (err InvariantViolationError) Error() string {
	return fmt.Sprintf("Invariant violated for quote %v: %v", err.QuoteId, err.Invariant)
}

var ErrQuoteNotFound = errors.New("Quote is not pending")
