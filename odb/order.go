package odb

import (
	"net"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
)

type OrderState string

const (
	OrderStateCreated   OrderState = "CREATED"
	OrderStateCompleted OrderState = "COMPLETED"
	OrderStateFailed    OrderState = "FAILED"
)

// LspNode is a parsed "pubkey@host:port" node uri.
type LspNode struct {
	PubKey PubKey
	Host   string
	Port   uint16
}

func (n *LspNode) String() string {
	return string(n.PubKey) + "@" + net.JoinHostPort(n.Host, strconv.Itoa(int(n.Port)))
}

// LspInfo carries the limits an LSP advertises for new channels.
type LspInfo struct {
	MinChannelBalance       btcutil.Amount
	MaxChannelBalance       btcutil.Amount
	MinInitialLspBalance    btcutil.Amount
	MaxInitialLspBalance    btcutil.Amount
	MinInitialClientBalance btcutil.Amount
	MaxInitialClientBalance btcutil.Amount

	MinRequiredChannelConfirmations uint32
	MinFundingConfirmsWithinBlocks  uint32
	MaxChannelExpiryBlocks          uint32

	Uris []string
}

// OrderParams is what we ask the LSP for.
type OrderParams struct {
	LspBalance                   btcutil.Amount
	ClientBalance                btcutil.Amount
	RequiredChannelConfirmations uint32
	FundingConfirmsWithinBlocks  uint32
	ChannelExpiryBlocks          uint32
	AnnounceChannel              bool
	PublicKey                    PubKey
}

// LspOrder is a single liquidity purchase. It is never kept beyond one
// acquisition attempt, except in the optional order journal.
type LspOrder struct {
	OrderID        string
	ChannelSize    btcutil.Amount
	LspNode        PubKey
	PaymentRequest string
	OrderTotal     btcutil.Amount
	FeeTotal       btcutil.Amount
	State          OrderState
	PaymentState   string
}
