// Package rpc holds the JSON messages of the daemon's HTTP API and a client
// for it.
package rpc

import (
	"github.com/the-lightning-land/overflowd/events"
)

type GetInfoResponse struct {
	Version        string            `json:"version"`
	Commit         string            `json:"commit"`
	IdentityPubKey string            `json:"identity_pubkey"`
	EcashBalance   int64             `json:"ecash_balance_sat"`
	PendingQuotes  int               `json:"pending_quotes"`
	Acquisition    AcquisitionStatus `json:"acquisition"`
}

type AcquisitionStatus struct {
	State         string `json:"state"`
	Peer          string `json:"peer,omitempty"`
	EstimatedCost int64  `json:"estimated_cost_sat"`
	OrderId       string `json:"order_id,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

type Quote struct {
	Id             string `json:"id"`
	PaymentRequest string `json:"payment_request"`
	AmountSat      int64  `json:"amount_sat"`
	ExpiresAt      int64  `json:"expires_at"`
}

type ListQuotesResponse struct {
	Quotes []Quote `json:"quotes"`
}

type CreateInvoiceRequest struct {
	AmountMsat  uint64 `json:"amount_msat"`
	Description string `json:"description"`
	Label       string `json:"label"`
}

type CreateInvoiceResponse struct {
	// Action is "continue" for an invoice of the node and "replace" for an
	// ecash claim.
	Action         string `json:"action"`
	InboundMsat    uint64 `json:"inbound_msat"`
	PaymentRequest string `json:"bolt11"`
	PaymentHash    string `json:"payment_hash"`
	PaymentSecret  string `json:"payment_secret"`
	ExpiresAt      int64  `json:"expires_at"`
	CreatedIndex   uint64 `json:"created_index"`
	QuoteId        string `json:"quote_id,omitempty"`
}

type ListEventsResponse struct {
	Events []events.Event `json:"events"`
}

type ReconcileResponse struct {
	Expired int `json:"expired"`
	Paid    int `json:"paid"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

type ErrorResponse struct {
	Error         string `json:"error"`
	ShortfallMsat uint64 `json:"shortfall_msat,omitempty"`
}
