// Package oracle reports how much the node can currently receive.
package oracle

import (
	"context"

	"github.com/go-errors/errors"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/the-lightning-land/overflowd/odb"
)

// Node lists the node's channels.
type Node interface {
	Channels(ctx context.Context) ([]*odb.Channel, error)
}

type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(format string, args ...interface{}) {}
func (noopLogger) Warnf(format string, args ...interface{})  {}

type Config struct {
	Node   Node
	Logger Logger
	// AssumeZeroOnError reports no inbound liquidity instead of failing
	// when the node can't be asked.
	AssumeZeroOnError bool
}

type Oracle struct {
	node              Node
	logger            Logger
	assumeZeroOnError bool
}

func New(config *Config) (*Oracle, error) {
	if config.Node == nil {
		return nil, errors.New("Oracle needs a node")
	}

	oracle := &Oracle{
		node:              config.Node,
		logger:            config.Logger,
		assumeZeroOnError: config.AssumeZeroOnError,
	}

	if oracle.logger == nil {
		oracle.logger = noopLogger{}
	}

	return oracle, nil
}

// AvailableInboundLiquidity sums what remote peers could still push to us
// over channels that are currently connected.
func (o *Oracle) AvailableInboundLiquidity(ctx context.Context) (lnwire.MilliSatoshi, error) {
	channels, err := o.node.Channels(ctx)
	if err != nil {
		if o.assumeZeroOnError {
			o.logger.Warnf("Assuming no inbound liquidity, could not list channels: %v", err)
			return 0, nil
		}

		return 0, odb.UpstreamUnavailableError{Service: "node", Err: err}
	}

	for _, channel := range channels {
		o.logger.Debugf("Channel %v to %v (active: %v) can receive %v",
			channel.ChanId.ShortChanId(), channel.ToNode, channel.Active, channel.InboundMsat())
	}

	return Inbound(channels), nil
}

// Inbound is the inbound liquidity of the given channels.
func Inbound(channels []*odb.Channel) lnwire.MilliSatoshi {
	var total lnwire.MilliSatoshi
	for _, channel := range channels {
		total += channel.InboundMsat()
	}

	return total
}
