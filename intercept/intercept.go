// Package intercept decides whether an incoming invoice can be served by the
// node's own channels or has to be replaced by an ecash claim.
package intercept

import (
	"context"
	"crypto/sha256"

	"github.com/go-errors/errors"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/shopspring/decimal"
	"github.com/the-lightning-land/overflowd/ledger"
	"github.com/the-lightning-land/overflowd/odb"
)

// PlaceholderPaymentHash is put into every replaced invoice. The mint owns the
// real preimage, so the hash carries no meaning and is the same for every
// replaced invoice. It is sha256("cashu").
var PlaceholderPaymentHash = lntypes.Hash(sha256.Sum256([]byte("cashu")))

// PlaceholderPaymentSecret is the all zero secret of replaced invoices.
var PlaceholderPaymentSecret lntypes.Hash

// PlaceholderCreatedIndex marks replaced invoices, which never exist in the
// node's invoice database.
const PlaceholderCreatedIndex uint64 = 0

var DefaultSafetyFactor = decimal.RequireFromString("0.9")

type Action int

const (
	// Continue lets the node create the invoice as requested.
	Continue Action = iota
	// Replace answers with the mint's invoice instead.
	Replace
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Replace:
		return "replace"
	default:
		return "unknown"
	}
}

type Decision struct {
	Action Action
	// InboundMsat is the usable inbound liquidity the decision was based on,
	// after the safety factor.
	InboundMsat lnwire.MilliSatoshi
	// Invoice and Quote are only set for Replace.
	Invoice *odb.Invoice
	Quote   *odb.SettlementQuote
}

type LiquidityOracle interface {
	AvailableInboundLiquidity(ctx context.Context) (lnwire.MilliSatoshi, error)
}

type Config struct {
	Logger Logger
	Oracle LiquidityOracle
	Ledger *ledger.Ledger
	// SafetyFactor scales the reported inbound liquidity down before it is
	// compared to the requested amount.
	SafetyFactor decimal.Decimal
}

type Interceptor struct {
	logger       Logger
	oracle       LiquidityOracle
	ledger       *ledger.Ledger
	safetyFactor decimal.Decimal
}

func New(config *Config) (*Interceptor, error) {
	if config.Oracle == nil {
		return nil, errors.New("Interceptor needs a liquidity oracle")
	}
	if config.Ledger == nil {
		return nil, errors.New("Interceptor needs a ledger")
	}

	safetyFactor := config.SafetyFactor
	if safetyFactor.IsZero() {
		safetyFactor = DefaultSafetyFactor
	}
	if safetyFactor.IsNegative() || safetyFactor.GreaterThan(decimal.NewFromInt(1)) {
		return nil, errors.Errorf("Safety factor %v must be within (0, 1]", safetyFactor)
	}

	interceptor := &Interceptor{
		logger:       config.Logger,
		oracle:       config.Oracle,
		ledger:       config.Ledger,
		safetyFactor: safetyFactor,
	}

	if interceptor.logger == nil {
		interceptor.logger = noopLogger{}
	}

	return interceptor, nil
}

// UsableInbound applies the safety factor to the reported liquidity,
// truncating toward zero.
func UsableInbound(liquidity lnwire.MilliSatoshi, safetyFactor decimal.Decimal) lnwire.MilliSatoshi {
	usable := decimal.NewFromInt(int64(liquidity)).Mul(safetyFactor).Truncate(0)
	if usable.IsNegative() {
		return 0
	}

	return lnwire.MilliSatoshi(usable.IntPart())
}

// Decide checks the request against the node's inbound liquidity and, when it
// doesn't fit, replaces the invoice with an ecash claim for the same amount.
func (i *Interceptor) Decide(ctx context.Context, req odb.InvoiceRequest) (*Decision, error) {
	liquidity, err := i.oracle.AvailableInboundLiquidity(ctx)
	if err != nil {
		return nil, err
	}

	inbound := UsableInbound(liquidity, i.safetyFactor)

	i.logger.Debugf("Inbound liquidity of %v for invoice of %v", inbound, req.AmountMsat)

	if inbound >= req.AmountMsat {
		return &Decision{
			Action:      Continue,
			InboundMsat: inbound,
		}, nil
	}

	// Sub satoshi amounts are lost, the mint only deals in whole satoshis.
	amount := req.AmountMsat.ToSatoshis()

	var decision *Decision

	err = i.ledger.Exclusive(ctx, func(s *ledger.State) error {
		if amount < 1 {
			return odb.InsufficientLiquidityError{
				RequestedMsat: req.AmountMsat,
				InboundMsat:   inbound,
				Reason:        errors.Errorf("Amount of %v is below the smallest mintable amount", req.AmountMsat),
			}
		}

		claim, err := s.Wallet().CreateClaim(ctx, amount)
		if err != nil {
			i.logger.Errorf("Mint refused a claim of %v: %v", amount, err)

			return odb.InsufficientLiquidityError{
				RequestedMsat: req.AmountMsat,
				InboundMsat:   inbound,
				Reason:        err,
			}
		}

		quote := &odb.SettlementQuote{
			ID:             claim.ID,
			PaymentRequest: claim.PaymentRequest,
			Amount:         amount,
			Expiry:         claim.Expiry,
		}

		if err := s.AddPending(quote); err != nil {
			return err
		}

		if _, err := s.RefreshBalance(ctx); err != nil {
			i.logger.Warnf("Could not refresh ecash balance: %v", err)
		}

		decision = &Decision{
			Action:      Replace,
			InboundMsat: inbound,
			Quote:       quote,
			Invoice: &odb.Invoice{
				PaymentRequest: claim.PaymentRequest,
				PaymentHash:    PlaceholderPaymentHash.String(),
				PaymentSecret:  PlaceholderPaymentSecret.String(),
				ExpiresAt:      claim.Expiry.Unix(),
				CreatedIndex:   PlaceholderCreatedIndex,
			},
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	i.logger.Infof("Replaced invoice of %v with ecash claim %v", req.AmountMsat, decision.Quote.ID)

	return decision, nil
}
