package odb

import (
	"github.com/lightningnetwork/lnd/lnwire"
)

// InvoiceRequest is a request to create an incoming invoice.
type InvoiceRequest struct {
	AmountMsat  lnwire.MilliSatoshi
	Description string
	Label       string
}

type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	PaymentSecret  string
	ExpiresAt      int64
	CreatedIndex   uint64
}
