package odb

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnwire"
)

type ChanId uint64
type PubKey string

// Channel is the node's view of one of its own channels. Active means the
// peer is connected and the channel can carry HTLCs right now.
type Channel struct {
	Active       bool
	ChanId       ChanId
	ToNode       PubKey
	LocalBalance btcutil.Amount
	Capacity     btcutil.Amount
}

// InboundMsat is the amount the channel can still receive: capacity minus our
// own side, never below zero. Disconnected channels can't receive anything.
func (c *Channel) InboundMsat() lnwire.MilliSatoshi {
	if !c.Active || c.LocalBalance >= c.Capacity {
		return 0
	}

	return lnwire.NewMSatFromSatoshis(c.Capacity - c.LocalBalance)
}
