// Package reconciler mints paid ecash claims into the ledger's balance and
// forgets claims that expired unpaid.
package reconciler

import (
	"context"
	"time"

	"github.com/go-errors/errors"
	"github.com/the-lightning-land/overflowd/ledger"
	"github.com/the-lightning-land/overflowd/odb"
)

const DefaultInterval = 10 * time.Second

type Config struct {
	Logger   Logger
	Ledger   *ledger.Ledger
	Interval time.Duration
	Now      func() time.Time
}

type Reconciler struct {
	logger   Logger
	ledger   *ledger.Ledger
	interval time.Duration
	now      func() time.Time
	done     chan struct{}
}

// Report sums up a single tick.
type Report struct {
	Expired int `json:"expired"`
	Paid    int `json:"paid"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

func NewReconciler(config *Config) (*Reconciler, error) {
	if config.Ledger == nil {
		return nil, errors.New("Reconciler needs a ledger")
	}

	reconciler := &Reconciler{
		logger:   config.Logger,
		ledger:   config.Ledger,
		interval: config.Interval,
		now:      config.Now,
		done:     make(chan struct{}),
	}

	if reconciler.logger == nil {
		reconciler.logger = noopLogger{}
	}
	if reconciler.interval <= 0 {
		reconciler.interval = DefaultInterval
	}
	if reconciler.now == nil {
		reconciler.now = time.Now
	}

	return reconciler, nil
}

// Run ticks until Stop is called. A failing tick is logged and retried on
// the next one.
func (r *Reconciler) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	go func() {
		select {
		case <-r.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-r.done:
			r.logger.Infof("Stopping reconciler...")
			return nil
		case <-ticker.C:
			report, err := r.Tick(ctx)
			if err != nil {
				r.logger.Errorf("Could not reconcile quotes: %v", err)
				continue
			}

			if report.Expired > 0 || report.Paid > 0 || report.Failed > 0 {
				r.logger.Infof("Reconciled quotes: %v paid, %v expired, %v failed, %v pending",
					report.Paid, report.Expired, report.Failed, report.Pending)
			}
		}
	}
}

func (r *Reconciler) Stop() {
	close(r.done)
}

// Tick runs one reconciliation pass. Quotes added while it runs are left for
// the next pass.
func (r *Reconciler) Tick(ctx context.Context) (*Report, error) {
	report := &Report{}

	var snapshot []odb.SettlementQuote

	err := r.ledger.Exclusive(ctx, func(s *ledger.State) error {
		expired := s.DropExpired(r.now())
		for _, quote := range expired {
			r.logger.Debugf("Dropping expired quote %v of %v", quote.ID, quote.Amount)
		}

		report.Expired = len(expired)
		snapshot = s.Pending()

		// Deposits made outside of this daemon show up within one interval
		if _, err := s.RefreshBalance(ctx); err != nil {
			r.logger.Warnf("Could not refresh ecash balance: %v", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	wallet := r.ledger.Wallet()

	var paid []odb.SettlementQuote

	for _, quote := range snapshot {
		isPaid, err := wallet.ClaimStatus(ctx, quote.ID)
		if err != nil {
			r.logger.Warnf("Could not get status of quote %v: %v", quote.ID, err)
			report.Failed++
			continue
		}

		if isPaid {
			paid = append(paid, quote)
		}
	}

	for _, quote := range paid {
		if err := r.settle(ctx, quote); err != nil {
			switch err := err.(type) {
			case odb.InvariantViolationError:
				r.logger.Errorf("Skipping quote: %v", err)
			default:
				r.logger.Warnf("Could not settle quote %v: %v", quote.ID, err)
			}

			report.Failed++
			continue
		}

		report.Paid++
	}

	report.Pending = len(snapshot) - report.Paid

	return report, nil
}

func (r *Reconciler) settle(ctx context.Context, quote odb.SettlementQuote) error {
	return r.ledger.Exclusive(ctx, func(s *ledger.State) error {
		if _, ok := s.Lookup(quote.ID); !ok {
			return odb.InvariantViolationError{
				Invariant: "paid quote is no longer pending",
				QuoteId:   quote.ID,
			}
		}

		if err := s.Wallet().FinalizeClaim(ctx, quote.ID); err != nil {
			return errors.Errorf("Could not finalize claim: %v", err)
		}

		if err := s.Finalize(quote.ID); err != nil {
			return err
		}

		r.logger.Infof("Minted %v from quote %v", quote.Amount, quote.ID)

		if _, err := s.RefreshBalance(ctx); err != nil {
			r.logger.Warnf("Could not refresh ecash balance: %v", err)
		}

		return nil
	})
}
