// Package mint talks to the custodial ecash mint. The ecash protocol itself
// is left to a wallet daemon that holds the proofs; this package only sees a
// balance-bearing service that issues and redeems lightning claims.
package mint

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/the-lightning-land/overflowd/odb"
)

// Wallet is the settlement service used by the ledger, the reconciler and
// the acquirer.
type Wallet interface {
	// CreateClaim asks the mint for a lightning invoice of the given amount
	// that, once paid, can be minted into ecash.
	CreateClaim(ctx context.Context, amount btcutil.Amount) (*odb.Claim, error)

	// ClaimStatus reports whether the claim's invoice has been paid.
	ClaimStatus(ctx context.Context, claimId string) (bool, error)

	// FinalizeClaim mints a paid claim into spendable balance.
	FinalizeClaim(ctx context.Context, claimId string) error

	TotalBalance(ctx context.Context) (btcutil.Amount, error)

	// Pay melts ecash to pay a lightning invoice. It blocks until the payment
	// settled or the mint gave up.
	Pay(ctx context.Context, paymentRequest string) (*odb.PaymentResult, error)
}
