package oracle

import (
	"context"
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/go-errors/errors"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/the-lightning-land/overflowd/odb"
)

type fakeNode struct {
	channels []*odb.Channel
	err      error
}

func (n *fakeNode) Channels(ctx context.Context) ([]*odb.Channel, error) {
	return n.channels, n.err
}

func TestAvailableInboundLiquidity(t *testing.T) {
	node := &fakeNode{channels: []*odb.Channel{
		{ChanId: 1, Active: true, Capacity: 1000, LocalBalance: 400},
		{ChanId: 2, Active: false, Capacity: 5000, LocalBalance: 0},
		{ChanId: 3, Active: true, Capacity: 2000, LocalBalance: 2000},
		{ChanId: 4, Active: true, Capacity: 300, LocalBalance: 100},
	}}

	oracle, err := New(&Config{Node: node})
	require.NoError(t, err)

	inbound, err := oracle.AvailableInboundLiquidity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lnwire.NewMSatFromSatoshis(600+200), inbound)
}

func TestInboundIsOrderIndependent(t *testing.T) {
	channels := make([]*odb.Channel, 50)
	for i := range channels {
		channels[i] = &odb.Channel{
			ChanId:       odb.ChanId(i),
			Active:       i%3 != 0,
			Capacity:     btcutil.Amount(1000 + i*37),
			LocalBalance: btcutil.Amount(i * 53),
		}
	}

	expected := Inbound(channels)

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		r.Shuffle(len(channels), func(a, b int) {
			channels[a], channels[b] = channels[b], channels[a]
		})
		assert.Equal(t, expected, Inbound(channels))
	}
}

func TestNodeFailure(t *testing.T) {
	node := &fakeNode{err: errors.New("connection refused")}

	oracle, err := New(&Config{Node: node})
	require.NoError(t, err)

	_, err = oracle.AvailableInboundLiquidity(context.Background())

	var upstream odb.UpstreamUnavailableError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "node", upstream.Service)
}

func TestAssumeZeroOnError(t *testing.T) {
	node := &fakeNode{err: errors.New("connection refused")}

	oracle, err := New(&Config{Node: node, AssumeZeroOnError: true})
	require.NoError(t, err)

	inbound, err := oracle.AvailableInboundLiquidity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lnwire.MilliSatoshi(0), inbound)
}
