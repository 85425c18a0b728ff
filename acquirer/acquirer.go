// Package acquirer spends the ecash balance on inbound liquidity. Once the
// balance covers the cost of a channel of the target size, it buys one from
// the LSP.
package acquirer

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/go-errors/errors"
	"github.com/shopspring/decimal"
	"github.com/the-lightning-land/overflowd/events"
	"github.com/the-lightning-land/overflowd/ledger"
	"github.com/the-lightning-land/overflowd/lsp"
	"github.com/the-lightning-land/overflowd/odb"
)

const (
	DefaultTargetChannelSize = btcutil.Amount(1000000)
	DefaultPollInterval      = 15 * time.Second
	DefaultFailureCooldown   = 60 * time.Second
	DefaultConfirmationGrace = 5 * time.Second
)

var DefaultSafetyFactor = decimal.RequireFromString("0.9")

// Node is the part of the lightning node the acquirer needs.
type Node interface {
	IdentityPubKey(ctx context.Context) (odb.PubKey, error)
	// ConnectPeer connects to the given node. Being connected already is
	// not an error.
	ConnectPeer(ctx context.Context, node *odb.LspNode) error
}

type Config struct {
	Logger  Logger
	Ledger  *ledger.Ledger
	Lsp     lsp.Service
	Node    Node
	Journal OrderJournal
	Events  events.Sink

	TargetChannelSize btcutil.Amount
	SafetyFactor      decimal.Decimal
	PollInterval      time.Duration
	FailureCooldown   time.Duration
	ConfirmationGrace time.Duration
	// FallbackURI is used when the LSP advertises no clearnet uri.
	FallbackURI string
}

// Status is a snapshot of the acquirer for the API.
type Status struct {
	State         State          `json:"state"`
	Peer          string         `json:"peer,omitempty"`
	EstimatedCost btcutil.Amount `json:"estimated_cost"`
	OrderId       string         `json:"order_id,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
}

type Acquirer struct {
	logger  Logger
	ledger  *ledger.Ledger
	lsp     lsp.Service
	node    Node
	journal OrderJournal
	events  events.Sink

	targetChannelSize btcutil.Amount
	safetyFactor      decimal.Decimal
	pollInterval      time.Duration
	failureCooldown   time.Duration
	confirmationGrace time.Duration
	fallbackURI       string

	done chan struct{}

	mu    sync.Mutex
	state State
	// Set by the handshake and kept for the acquirer's lifetime
	peer          *odb.LspNode
	pubKey        odb.PubKey
	estimatedCost btcutil.Amount
	// reconnect is set after a failure, the peer connection is
	// re-established before the next order is paid.
	reconnect bool
	info      *odb.LspInfo
	order     *odb.LspOrder
	lastErr   error
}

func NewAcquirer(config *Config) (*Acquirer, error) {
	if config.Ledger == nil {
		return nil, errors.New("Acquirer needs a ledger")
	}
	if config.Lsp == nil {
		return nil, errors.New("Acquirer needs an LSP")
	}
	if config.Node == nil {
		return nil, errors.New("Acquirer needs a node")
	}

	acquirer := &Acquirer{
		logger:            config.Logger,
		ledger:            config.Ledger,
		lsp:               config.Lsp,
		node:              config.Node,
		journal:           config.Journal,
		events:            config.Events,
		targetChannelSize: config.TargetChannelSize,
		safetyFactor:      config.SafetyFactor,
		pollInterval:      config.PollInterval,
		failureCooldown:   config.FailureCooldown,
		confirmationGrace: config.ConfirmationGrace,
		fallbackURI:       config.FallbackURI,
		done:              make(chan struct{}),
		state:             Idle,
	}

	if acquirer.logger == nil {
		acquirer.logger = noopLogger{}
	}
	if acquirer.journal == nil {
		acquirer.journal = noopJournal{}
	}
	if acquirer.events == nil {
		acquirer.events = events.Discard
	}
	if acquirer.targetChannelSize <= 0 {
		acquirer.targetChannelSize = DefaultTargetChannelSize
	}
	if acquirer.safetyFactor.IsZero() {
		acquirer.safetyFactor = DefaultSafetyFactor
	}
	if acquirer.pollInterval <= 0 {
		acquirer.pollInterval = DefaultPollInterval
	}
	if acquirer.failureCooldown <= 0 {
		acquirer.failureCooldown = DefaultFailureCooldown
	}
	if acquirer.confirmationGrace <= 0 {
		acquirer.confirmationGrace = DefaultConfirmationGrace
	}

	return acquirer, nil
}

// Run drives the state machine until Stop is called. It never gives up,
// failures lead back to Idle after the cooldown.
func (a *Acquirer) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-a.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := a.RecoverJournal(ctx); err != nil {
		a.logger.Warnf("Could not check journaled orders: %v", err)
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-a.done:
			a.logger.Infof("Stopping acquirer...")
			return nil
		case <-timer.C:
			timer.Reset(a.Step(ctx))
		}
	}
}

func (a *Acquirer) Stop() {
	close(a.done)
}

func (a *Acquirer) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state
}

func (a *Acquirer) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	status := Status{
		State:         a.state,
		EstimatedCost: a.estimatedCost,
	}
	if a.peer != nil {
		status.Peer = a.peer.String()
	}
	if a.order != nil {
		status.OrderId = a.order.OrderID
	}
	if a.lastErr != nil {
		status.LastError = a.lastErr.Error()
	}

	return status
}

// LastError is the cause of the latest failure.
func (a *Acquirer) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.lastErr
}

// Step runs the current state once and returns how long to wait before the
// next step.
func (a *Acquirer) Step(ctx context.Context) time.Duration {
	var (
		next State
		wait time.Duration
		err  error
	)

	switch state := a.State(); state {
	case Idle:
		next, wait, err = a.idle(ctx)
	case Quoting:
		next, wait, err = a.quote(ctx)
	case Funding:
		next, wait, err = a.fund(ctx)
	case AwaitingConfirmation:
		next, wait, err = a.awaitConfirmation(ctx)
	case Done:
		a.mu.Lock()
		a.order = nil
		a.info = nil
		a.mu.Unlock()

		next, wait = Idle, a.pollInterval
	case Failed:
		next, wait = Idle, 0
	default:
		err = errors.Errorf("Unknown state %v", state)
	}

	if err != nil {
		a.fail(err)
		return a.failureCooldown
	}

	a.transition(next, nil)

	return wait
}

func (a *Acquirer) fail(err error) {
	a.mu.Lock()
	order := a.order
	a.lastErr = err
	a.reconnect = true
	a.info = nil
	a.mu.Unlock()

	switch err := err.(type) {
	case odb.RaceLostError:
		a.logger.Warnf("Lost the race for the ecash balance: %v", err)
	case odb.UpstreamUnavailableError:
		a.logger.Warnf("Acquisition interrupted: %v", err)
	default:
		a.logger.Errorf("Acquisition failed: %v", err)
	}

	if order != nil {
		if jerr := a.journal.MarkFailed(context.Background(), order.OrderID, err.Error()); jerr != nil {
			a.logger.Warnf("Could not journal failure of order %v: %v", order.OrderID, jerr)
		}
	}

	// The Failed event still names the order, it is forgotten afterwards
	a.transition(Failed, err)

	a.mu.Lock()
	a.order = nil
	a.mu.Unlock()
}

func (a *Acquirer) transition(next State, cause error) {
	a.mu.Lock()
	prev := a.state
	a.state = next
	var orderId string
	if a.order != nil {
		orderId = a.order.OrderID
	}
	a.mu.Unlock()

	if prev == next {
		return
	}

	a.logger.Infof("Acquisition %v -> %v", prev, next)

	fields := map[string]interface{}{
		"from": prev.String(),
		"to":   next.String(),
	}
	if orderId != "" {
		fields["order_id"] = orderId
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}

	a.events.Publish(events.TopicAcquisition, "acquisition.state", fields)
}

func (a *Acquirer) idle(ctx context.Context) (State, time.Duration, error) {
	a.mu.Lock()
	handshaken := a.peer != nil
	a.mu.Unlock()

	if !handshaken {
		if err := a.handshake(ctx); err != nil {
			return Failed, 0, err
		}
	}

	balance := a.ledger.CachedBalance()

	a.mu.Lock()
	cost := a.estimatedCost
	a.mu.Unlock()

	if !Affordable(balance, cost, a.safetyFactor) {
		a.logger.Debugf("Ecash balance of %v doesn't cover channel cost of %v yet", balance, cost)
		return Idle, a.pollInterval, nil
	}

	a.logger.Infof("Ecash balance of %v covers channel cost of %v", balance, cost)

	return Quoting, 0, nil
}

// Affordable tells whether the balance, scaled down by the safety factor,
// exceeds the cost.
func Affordable(balance btcutil.Amount, cost btcutil.Amount, safetyFactor decimal.Decimal) bool {
	usable := decimal.NewFromInt(int64(balance)).Mul(safetyFactor)
	return usable.GreaterThan(decimal.NewFromInt(int64(cost)))
}

// handshake finds the LSP's node, connects to it and estimates what a
// channel of the target size costs.
func (a *Acquirer) handshake(ctx context.Context) error {
	info, err := a.lsp.GetInfo(ctx)
	if err != nil {
		return errors.Errorf("Could not get LSP info: %v", err)
	}

	peer, err := a.pickPeer(info)
	if err != nil {
		return err
	}

	pubKey, err := a.node.IdentityPubKey(ctx)
	if err != nil {
		return odb.UpstreamUnavailableError{Service: "node", Err: err}
	}

	if err := a.node.ConnectPeer(ctx, peer); err != nil {
		return errors.Errorf("Could not connect to LSP node %v: %v", peer.String(), err)
	}

	a.logger.Infof("Connected to LSP node %v", peer.String())

	estimate, err := a.lsp.CreateOrder(ctx, a.orderParams(info, pubKey))
	if err != nil {
		return errors.Errorf("Could not estimate channel cost: %v", err)
	}

	a.logger.Infof("Channel of %v costs %v", a.targetChannelSize, estimate.OrderTotal)

	a.mu.Lock()
	a.peer = peer
	a.pubKey = pubKey
	a.estimatedCost = estimate.OrderTotal
	a.reconnect = false
	a.mu.Unlock()

	return nil
}

func (a *Acquirer) pickPeer(info *odb.LspInfo) (*odb.LspNode, error) {
	nodes := lsp.ParseNodeURIs(info.Uris)
	if len(nodes) > 0 {
		return nodes[0], nil
	}

	if a.fallbackURI == "" {
		return nil, errors.Errorf("LSP advertises no usable node uri in %v", info.Uris)
	}

	node, err := lsp.ParseNodeURI(a.fallbackURI)
	if err != nil {
		return nil, errors.Errorf("Invalid fallback uri: %v", err)
	}

	a.logger.Warnf("LSP advertises no clearnet uri, using %v", a.fallbackURI)

	return node, nil
}

func (a *Acquirer) orderParams(info *odb.LspInfo, pubKey odb.PubKey) *odb.OrderParams {
	return &odb.OrderParams{
		LspBalance:                   a.targetChannelSize,
		ClientBalance:                0,
		RequiredChannelConfirmations: info.MinRequiredChannelConfirmations,
		FundingConfirmsWithinBlocks:  info.MinFundingConfirmsWithinBlocks,
		ChannelExpiryBlocks:          info.MaxChannelExpiryBlocks,
		AnnounceChannel:              true,
		PublicKey:                    pubKey,
	}
}

func (a *Acquirer) quote(ctx context.Context) (State, time.Duration, error) {
	info, err := a.lsp.GetInfo(ctx)
	if err != nil {
		return Failed, 0, errors.Errorf("Could not get LSP info: %v", err)
	}

	if err := CheckChannelSize(info, a.targetChannelSize); err != nil {
		return Failed, 0, err
	}

	a.mu.Lock()
	a.info = info
	a.mu.Unlock()

	return Funding, 0, nil
}

// CheckChannelSize verifies the LSP accepts a channel of the given size
// pushed entirely to us.
func CheckChannelSize(info *odb.LspInfo, size btcutil.Amount) error {
	if size < info.MinInitialLspBalance || size > info.MaxInitialLspBalance {
		return errors.Errorf("Channel size %v outside of accepted LSP balance range [%v, %v]",
			size, info.MinInitialLspBalance, info.MaxInitialLspBalance)
	}

	if size < info.MinChannelBalance || size > info.MaxChannelBalance {
		return errors.Errorf("Channel size %v outside of accepted channel range [%v, %v]",
			size, info.MinChannelBalance, info.MaxChannelBalance)
	}

	return nil
}

func (a *Acquirer) fund(ctx context.Context) (State, time.Duration, error) {
	a.mu.Lock()
	info := a.info
	peer := a.peer
	pubKey := a.pubKey
	reconnect := a.reconnect
	a.mu.Unlock()

	if info == nil {
		return Failed, 0, errors.New("Funding without LSP info")
	}

	if reconnect {
		if err := a.node.ConnectPeer(ctx, peer); err != nil {
			return Failed, 0, errors.Errorf("Could not reconnect to LSP node %v: %v", peer.String(), err)
		}

		a.mu.Lock()
		a.reconnect = false
		a.mu.Unlock()

		a.logger.Infof("Reconnected to LSP node %v", peer.String())
	}

	order, err := a.lsp.CreateOrder(ctx, a.orderParams(info, pubKey))
	if err != nil {
		return Failed, 0, errors.Errorf("Could not create order: %v", err)
	}
	order.LspNode = peer.PubKey

	a.logger.Infof("Created order %v for a channel of %v at %v", order.OrderID, a.targetChannelSize, order.OrderTotal)

	if err := a.journal.Record(ctx, order); err != nil {
		return Failed, 0, errors.Errorf("Could not journal order %v: %v", order.OrderID, err)
	}

	a.mu.Lock()
	a.order = order
	a.mu.Unlock()

	var result *odb.PaymentResult

	err = a.ledger.Exclusive(ctx, func(s *ledger.State) error {
		balance, err := s.RefreshBalance(ctx)
		if err != nil {
			return odb.UpstreamUnavailableError{Service: "mint", Err: err}
		}

		if balance < order.OrderTotal {
			return odb.RaceLostError{Balance: balance, OrderTotal: order.OrderTotal}
		}

		result, err = s.Wallet().Pay(ctx, order.PaymentRequest)
		if err != nil {
			return errors.Errorf("Could not pay order %v: %v", order.OrderID, err)
		}

		if _, err := s.RefreshBalance(ctx); err != nil {
			a.logger.Warnf("Could not refresh ecash balance: %v", err)
		}

		return nil
	})
	if err != nil {
		return Failed, 0, err
	}

	if !result.Paid {
		return Failed, 0, errors.Errorf("Mint could not pay order %v", order.OrderID)
	}

	a.logger.Infof("Paid order %v with preimage %v", order.OrderID, result.Preimage)

	if err := a.journal.MarkPaid(ctx, order.OrderID, result.Preimage); err != nil {
		a.logger.Warnf("Could not journal payment of order %v: %v", order.OrderID, err)
	}

	return AwaitingConfirmation, a.confirmationGrace, nil
}

func (a *Acquirer) awaitConfirmation(ctx context.Context) (State, time.Duration, error) {
	a.mu.Lock()
	order := a.order
	a.mu.Unlock()

	if order == nil {
		return Failed, 0, errors.New("Awaiting confirmation without an order")
	}

	status, err := a.lsp.GetOrder(ctx, order.OrderID)
	if err != nil {
		a.logger.Warnf("Could not get state of order %v: %v", order.OrderID, err)
		return Done, 0, nil
	}

	a.logger.Infof("Order %v is %v, payment %v", order.OrderID, status.State, status.PaymentState)

	if status.State == odb.OrderStateCompleted || status.State == odb.OrderStateFailed {
		if err := a.journal.MarkSettled(ctx, order.OrderID, status.State); err != nil {
			a.logger.Warnf("Could not journal state of order %v: %v", order.OrderID, err)
		}
	}

	return Done, 0, nil
}

// RecoverJournal checks orders a previous run recorded but never saw
// through and logs what the LSP says about them.
func (a *Acquirer) RecoverJournal(ctx context.Context) error {
	orders, err := a.journal.Unsettled(ctx)
	if err != nil {
		return errors.Errorf("Could not list journaled orders: %v", err)
	}

	for _, order := range orders {
		status, err := a.lsp.GetOrder(ctx, order.OrderID)
		if err != nil {
			a.logger.Warnf("Could not get state of journaled order %v: %v", order.OrderID, err)
			continue
		}

		a.logger.Warnf("Journaled order %v of %v is %v, payment %v",
			order.OrderID, order.OrderTotal, status.State, status.PaymentState)

		if status.State == odb.OrderStateCompleted || status.State == odb.OrderStateFailed {
			if err := a.journal.MarkSettled(ctx, order.OrderID, status.State); err != nil {
				a.logger.Warnf("Could not journal state of order %v: %v", order.OrderID, err)
			}
		}
	}

	return nil
}
