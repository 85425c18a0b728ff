package mint

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/go-errors/errors"
	"github.com/google/uuid"
	"github.com/the-lightning-land/overflowd/odb"
)

const defaultClaimExpiry = 10 * time.Minute

type memoryClaim struct {
	amount  btcutil.Amount
	expiry  time.Time
	paid    bool
	minted  bool
	request string
}

// MemoryWallet is an in-process stand-in for a mint. Claims are marked paid
// by calling SimulatePayment, which makes it useful on regtest setups without
// a real mint and in tests.
type MemoryWallet struct {
	mu          sync.Mutex
	balance     btcutil.Amount
	claims      map[string]*memoryClaim
	minClaim    btcutil.Amount
	maxClaim    btcutil.Amount
	claimExpiry time.Duration
	now         func() time.Time

	// statusErr, when set, is returned by every ClaimStatus call for the ids
	// it contains.
	statusErr map[string]error
	payments  []string
	// balanceHook is invoked on every TotalBalance call and can rewrite the
	// reported balance.
	balanceHook  func(btcutil.Amount) btcutil.Amount
	decodeAmount func(string) (btcutil.Amount, error)
}

var _ Wallet = (*MemoryWallet)(nil)

type MemoryWalletConfig struct {
	Balance     btcutil.Amount
	MinClaim    btcutil.Amount
	MaxClaim    btcutil.Amount
	ClaimExpiry time.Duration
	Now         func() time.Time
	// DecodeAmount extracts the amount from a payment request passed to Pay.
	DecodeAmount func(string) (btcutil.Amount, error)
}

func NewMemoryWallet(config *MemoryWalletConfig) *MemoryWallet {
	w := &MemoryWallet{
		balance:     config.Balance,
		claims:      make(map[string]*memoryClaim),
		minClaim:    config.MinClaim,
		maxClaim:    config.MaxClaim,
		claimExpiry: config.ClaimExpiry,
		now:         config.Now,
		statusErr:   make(map[string]error),

		decodeAmount: config.DecodeAmount,
	}

	if w.minClaim <= 0 {
		w.minClaim = 1
	}
	if w.claimExpiry <= 0 {
		w.claimExpiry = defaultClaimExpiry
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.decodeAmount == nil {
		w.decodeAmount = func(paymentRequest string) (btcutil.Amount, error) {
			return 0, errors.Errorf("Unable to decode payment request %v", paymentRequest)
		}
	}

	return w
}

func (w *MemoryWallet) CreateClaim(ctx context.Context, amount btcutil.Amount) (*odb.Claim, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if amount < w.minClaim || (w.maxClaim > 0 && amount > w.maxClaim) {
		return nil, errors.Errorf("Amount %v outside of accepted range", amount)
	}

	id := uuid.NewString()
	claim := &memoryClaim{
		amount:  amount,
		expiry:  w.now().Add(w.claimExpiry),
		request: "lnbcrt" + id,
	}
	w.claims[id] = claim

	return &odb.Claim{
		ID:             id,
		PaymentRequest: claim.request,
		Expiry:         claim.expiry,
	}, nil
}

func (w *MemoryWallet) ClaimStatus(ctx context.Context, claimId string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.statusErr[claimId]; err != nil {
		return false, err
	}

	claim, ok := w.claims[claimId]
	if !ok {
		return false, errors.Errorf("Unknown claim %v", claimId)
	}

	return claim.paid, nil
}

func (w *MemoryWallet) FinalizeClaim(ctx context.Context, claimId string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	claim, ok := w.claims[claimId]
	if !ok {
		return errors.Errorf("Unknown claim %v", claimId)
	}
	if !claim.paid {
		return errors.Errorf("Claim %v is not paid", claimId)
	}
	if claim.minted {
		return errors.Errorf("Claim %v is already minted", claimId)
	}

	claim.minted = true
	w.balance += claim.amount

	return nil
}

func (w *MemoryWallet) TotalBalance(ctx context.Context) (btcutil.Amount, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.balanceHook != nil {
		w.balance = w.balanceHook(w.balance)
	}

	return w.balance, nil
}

// Pay deducts the payment request's amount from the balance.
func (w *MemoryWallet) Pay(ctx context.Context, paymentRequest string) (*odb.PaymentResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	amount, err := w.decodeAmount(paymentRequest)
	if err != nil {
		return nil, err
	}
	if amount > w.balance {
		return &odb.PaymentResult{Paid: false}, nil
	}

	w.balance -= amount
	w.payments = append(w.payments, paymentRequest)

	return &odb.PaymentResult{Paid: true, Preimage: uuid.NewString()}, nil
}

// SimulatePayment marks a claim's invoice as paid by the payer.
func (w *MemoryWallet) SimulatePayment(claimId string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	claim, ok := w.claims[claimId]
	if !ok {
		return errors.Errorf("Unknown claim %v", claimId)
	}
	claim.paid = true

	return nil
}

// FailStatus makes ClaimStatus fail for the given claim until cleared with a
// nil error.
func (w *MemoryWallet) FailStatus(claimId string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err == nil {
		delete(w.statusErr, claimId)
		return
	}
	w.statusErr[claimId] = err
}

// OnBalance installs a hook that runs on every TotalBalance call.
func (w *MemoryWallet) OnBalance(hook func(btcutil.Amount) btcutil.Amount) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.balanceHook = hook
}

func (w *MemoryWallet) SetBalance(balance btcutil.Amount) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.balance = balance
}

// Payments lists the payment requests paid so far.
func (w *MemoryWallet) Payments() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]string(nil), w.payments...)
}
