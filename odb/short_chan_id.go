package odb

import "fmt"

// ShortChanId is the block height, transaction index and output position
// packed into a channel id.
type ShortChanId struct {
	BlockHeight uint32
	TxIndex     uint32
	TxPosition  uint16
}

func (id ChanId) ShortChanId() ShortChanId {
	return ShortChanId{
		BlockHeight: uint32(id >> 40),
		TxIndex:     uint32(id>>16) & 0xFFFFFF,
		TxPosition:  uint16(id),
	}
}

func (c ShortChanId) String() string {
	return fmt.Sprintf("%dx%dx%d", c.BlockHeight, c.TxIndex, c.TxPosition)
}
