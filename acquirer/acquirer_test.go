package acquirer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/go-errors/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/the-lightning-land/overflowd/events"
	"github.com/the-lightning-land/overflowd/ledger"
	"github.com/the-lightning-land/overflowd/mint"
	"github.com/the-lightning-land/overflowd/odb"
)

const lspPubKey = "031b301307574bbe9b9ac7b79cbe1700e31e544513eae0b5d7497483083f99e581"

type fakeLsp struct {
	mu      sync.Mutex
	info    odb.LspInfo
	infoErr error
	total   btcutil.Amount
	params  []*odb.OrderParams
	state   odb.OrderState
}

func newFakeLsp() *fakeLsp {
	return &fakeLsp{
		info: odb.LspInfo{
			MinChannelBalance:               20000,
			MaxChannelBalance:               16777215,
			MinInitialLspBalance:            20000,
			MaxInitialLspBalance:            16777215,
			MinRequiredChannelConfirmations: 0,
			MinFundingConfirmsWithinBlocks:  6,
			MaxChannelExpiryBlocks:          12960,
			Uris:                            []string{lspPubKey + "@45.79.192.236:9735"},
		},
		total: 12500,
		state: odb.OrderStateCompleted,
	}
}

func (l *fakeLsp) GetInfo(ctx context.Context) (*odb.LspInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.infoErr != nil {
		return nil, l.infoErr
	}

	info := l.info
	return &info, nil
}

func (l *fakeLsp) CreateOrder(ctx context.Context, params *odb.OrderParams) (*odb.LspOrder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.params = append(l.params, params)
	n := len(l.params)

	return &odb.LspOrder{
		OrderID:        fmt.Sprintf("ord-%d", n),
		ChannelSize:    params.LspBalance,
		PaymentRequest: fmt.Sprintf("lnfake%d-%d", l.total, n),
		OrderTotal:     l.total,
		State:          odb.OrderStateCreated,
	}, nil
}

func (l *fakeLsp) GetOrder(ctx context.Context, orderId string) (*odb.LspOrder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return &odb.LspOrder{OrderID: orderId, State: l.state, PaymentState: "PAID"}, nil
}

func (l *fakeLsp) orders() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.params)
}

// decodeFake reads the amount of the fake LSP's payment requests.
func decodeFake(paymentRequest string) (btcutil.Amount, error) {
	amount := strings.SplitN(strings.TrimPrefix(paymentRequest, "lnfake"), "-", 2)[0]

	sat, err := strconv.ParseInt(amount, 10, 64)
	if err != nil {
		return 0, err
	}

	return btcutil.Amount(sat), nil
}

type fakeNode struct {
	mu         sync.Mutex
	connects   []*odb.LspNode
	connectErr error
}

func (n *fakeNode) IdentityPubKey(ctx context.Context) (odb.PubKey, error) {
	return "02aaaa", nil
}

func (n *fakeNode) ConnectPeer(ctx context.Context, node *odb.LspNode) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.connects = append(n.connects, node)
	return n.connectErr
}

type fakeJournal struct {
	noopJournal
	mu        sync.Mutex
	calls     []string
	unsettled []*odb.LspOrder
}

func (j *fakeJournal) record(call string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.calls = append(j.calls, call)
}

func (j *fakeJournal) Record(ctx context.Context, order *odb.LspOrder) error {
	j.record("record " + order.OrderID)
	return nil
}

func (j *fakeJournal) MarkPaid(ctx context.Context, orderId string, preimage string) error {
	j.record("paid " + orderId)
	return nil
}

func (j *fakeJournal) MarkFailed(ctx context.Context, orderId string, reason string) error {
	j.record("failed " + orderId)
	return nil
}

func (j *fakeJournal) MarkSettled(ctx context.Context, orderId string, state odb.OrderState) error {
	j.record("settled " + orderId + " " + string(state))
	return nil
}

func (j *fakeJournal) Unsettled(ctx context.Context) ([]*odb.LspOrder, error) {
	return j.unsettled, nil
}

type recordingSink struct {
	mu     sync.Mutex
	fields []map[string]interface{}
}

func (s *recordingSink) Publish(topic string, kind string, fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fields = append(s.fields, fields)
}

type fixture struct {
	acquirer *Acquirer
	ledger   *ledger.Ledger
	wallet   *mint.MemoryWallet
	lsp      *fakeLsp
	node     *fakeNode
	journal  *fakeJournal
	sink     *recordingSink
}

func newFixture(t *testing.T, balance btcutil.Amount, configure func(*Config)) *fixture {
	wallet := mint.NewMemoryWallet(&mint.MemoryWalletConfig{
		Balance:      balance,
		DecodeAmount: decodeFake,
	})

	l, err := ledger.New(&ledger.Config{Wallet: wallet})
	require.NoError(t, err)

	f := &fixture{
		ledger:  l,
		wallet:  wallet,
		lsp:     newFakeLsp(),
		node:    &fakeNode{},
		journal: &fakeJournal{},
		sink:    &recordingSink{},
	}

	config := &Config{
		Ledger:            l,
		Lsp:               f.lsp,
		Node:              f.node,
		Journal:           f.journal,
		Events:            f.sink,
		PollInterval:      time.Second,
		FailureCooldown:   time.Minute,
		ConfirmationGrace: 5 * time.Second,
	}
	if configure != nil {
		configure(config)
	}

	f.acquirer, err = NewAcquirer(config)
	require.NoError(t, err)

	f.refresh(t)

	return f
}

func (f *fixture) refresh(t *testing.T) {
	ctx := context.Background()
	err := f.ledger.Exclusive(ctx, func(s *ledger.State) error {
		_, err := s.RefreshBalance(ctx)
		return err
	})
	require.NoError(t, err)
}

func (f *fixture) step(t *testing.T, expected State) time.Duration {
	wait := f.acquirer.Step(context.Background())
	require.Equal(t, expected, f.acquirer.State(), "last error: %v", f.acquirer.LastError())
	return wait
}

func TestAcquisition(t *testing.T) {
	f := newFixture(t, 100000, nil)

	f.step(t, Quoting)
	assert.Equal(t, btcutil.Amount(12500), f.acquirer.Status().EstimatedCost)
	assert.Equal(t, 1, f.lsp.orders())

	f.step(t, Funding)
	wait := f.step(t, AwaitingConfirmation)
	assert.Equal(t, 5*time.Second, wait)

	assert.Len(t, f.wallet.Payments(), 1)
	assert.Equal(t, btcutil.Amount(87500), f.ledger.CachedBalance())

	f.step(t, Done)
	assert.Equal(t, time.Second, f.step(t, Idle))

	assert.Equal(t, []string{"record ord-2", "paid ord-2", "settled ord-2 COMPLETED"}, f.journal.calls)

	params := f.lsp.params[1]
	assert.Equal(t, DefaultTargetChannelSize, params.LspBalance)
	assert.Equal(t, btcutil.Amount(0), params.ClientBalance)
	assert.Equal(t, odb.PubKey("02aaaa"), params.PublicKey)
	assert.Equal(t, uint32(12960), params.ChannelExpiryBlocks)

	require.Len(t, f.node.connects, 1)
	assert.Equal(t, odb.PubKey(lspPubKey), f.node.connects[0].PubKey)
}

func TestRaceGuard(t *testing.T) {
	f := newFixture(t, 1000000, nil)

	f.step(t, Quoting)

	// Someone else spends the balance between the poll and the payment
	f.wallet.SetBalance(10000)

	f.step(t, Funding)
	wait := f.step(t, Failed)
	assert.Equal(t, time.Minute, wait)

	var raceLost odb.RaceLostError
	require.ErrorAs(t, f.acquirer.LastError(), &raceLost)
	assert.Equal(t, btcutil.Amount(10000), raceLost.Balance)
	assert.Equal(t, btcutil.Amount(12500), raceLost.OrderTotal)

	assert.Empty(t, f.wallet.Payments())
	assert.Equal(t, btcutil.Amount(10000), f.ledger.CachedBalance())
	assert.Equal(t, []string{"record ord-2", "failed ord-2"}, f.journal.calls)

	failed := f.sink.fields[len(f.sink.fields)-1]
	assert.Equal(t, "failed", failed["to"])
	assert.Equal(t, "ord-2", failed["order_id"])
	assert.Empty(t, f.acquirer.Status().OrderId)

	f.step(t, Idle)
}

func TestStaysIdleWhileBalanceIsLow(t *testing.T) {
	// 0.9 * 13888 = 12499.2 doesn't exceed 12500
	f := newFixture(t, 13888, nil)

	for i := 0; i < 3; i++ {
		assert.Equal(t, time.Second, f.step(t, Idle))
	}

	// Handshake only happens once
	assert.Equal(t, 1, f.lsp.orders())
	assert.Len(t, f.node.connects, 1)
}

func TestChannelSizeRejected(t *testing.T) {
	f := newFixture(t, 100000, func(config *Config) {
		config.TargetChannelSize = 10000
	})

	f.step(t, Quoting)
	f.step(t, Failed)
	assert.Error(t, f.acquirer.LastError())
	assert.Empty(t, f.wallet.Payments())
}

func TestHandshakeFallbackURI(t *testing.T) {
	f := newFixture(t, 100000, func(config *Config) {
		config.FallbackURI = "02bbbb@lsp.example.com:9735"
	})
	f.lsp.info.Uris = []string{"02cccc@abcdefgh.onion:9735"}

	f.step(t, Quoting)
	require.Len(t, f.node.connects, 1)
	assert.Equal(t, "02bbbb@lsp.example.com:9735", f.node.connects[0].String())
}

func TestHandshakeFailureIsRetried(t *testing.T) {
	f := newFixture(t, 100000, nil)
	f.lsp.info.Uris = nil

	assert.Equal(t, time.Minute, f.step(t, Failed))
	f.step(t, Idle)

	f.lsp.info.Uris = []string{lspPubKey + "@45.79.192.236:9735"}
	f.step(t, Quoting)
}

func TestReconnectAfterFailure(t *testing.T) {
	f := newFixture(t, 1000000, nil)

	f.step(t, Quoting)
	f.wallet.SetBalance(10000)
	f.step(t, Funding)
	f.step(t, Failed)
	f.step(t, Idle)

	f.wallet.SetBalance(1000000)
	f.refresh(t)

	f.step(t, Quoting)
	f.step(t, Funding)
	assert.Len(t, f.node.connects, 1)

	f.step(t, AwaitingConfirmation)
	assert.Len(t, f.node.connects, 2)
}

func TestReconnectFailure(t *testing.T) {
	f := newFixture(t, 100000, nil)

	f.lsp.info.MinInitialLspBalance = 2000000
	f.step(t, Quoting)
	f.step(t, Failed)
	f.step(t, Idle)
	f.lsp.info.MinInitialLspBalance = 20000

	f.node.connectErr = errors.New("peer unreachable")
	f.step(t, Quoting)
	f.step(t, Funding)
	f.step(t, Failed)
	assert.Empty(t, f.wallet.Payments())
}

func TestTransitionsArePublished(t *testing.T) {
	f := newFixture(t, 100000, nil)

	f.step(t, Quoting)
	f.step(t, Funding)

	require.Len(t, f.sink.fields, 2)
	assert.Equal(t, "idle", f.sink.fields[0]["from"])
	assert.Equal(t, "quoting", f.sink.fields[0]["to"])
	assert.Equal(t, "funding", f.sink.fields[1]["to"])
}

func TestRecoverJournal(t *testing.T) {
	f := newFixture(t, 0, nil)
	f.journal.unsettled = []*odb.LspOrder{{OrderID: "ord-old", OrderTotal: 12500}}

	require.NoError(t, f.acquirer.RecoverJournal(context.Background()))
	assert.Equal(t, []string{"settled ord-old COMPLETED"}, f.journal.calls)
}

func TestAffordable(t *testing.T) {
	safety := decimal.RequireFromString("0.9")

	assert.True(t, Affordable(100000, 12500, safety))
	assert.False(t, Affordable(13888, 12500, safety))
	assert.True(t, Affordable(13890, 12500, safety))
	assert.False(t, Affordable(0, 0, safety))
}

func TestRunStops(t *testing.T) {
	f := newFixture(t, 0, nil)

	done := make(chan error)
	go func() {
		done <- f.acquirer.Run()
	}()

	time.Sleep(10 * time.Millisecond)
	f.acquirer.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Acquirer did not stop")
	}
}

var _ events.Sink = (*recordingSink)(nil)
