package mint

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/go-errors/errors"
	"github.com/lightningnetwork/lnd/zpay32"
)

// Bolt11Amount returns a decoder for BOLT11 payment requests of the given
// network, suitable as MemoryWalletConfig.DecodeAmount.
func Bolt11Amount(params *chaincfg.Params) func(string) (btcutil.Amount, error) {
	return func(paymentRequest string) (btcutil.Amount, error) {
		invoice, err := zpay32.Decode(paymentRequest, params)
		if err != nil {
			return 0, errors.Errorf("Could not decode payment request: %v", err)
		}

		if invoice.MilliSat == nil {
			return 0, errors.New("Payment request has no amount")
		}

		return invoice.MilliSat.ToSatoshis(), nil
	}
}
