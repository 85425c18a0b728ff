// Package ledger owns the ecash balance cache and the set of pending mint
// quotes. Everything that reads the balance and then spends, or reads the
// pending quotes and then changes them, does so inside Exclusive.
package ledger

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/go-errors/errors"
	"github.com/the-lightning-land/overflowd/events"
	"github.com/the-lightning-land/overflowd/mint"
	"github.com/the-lightning-land/overflowd/odb"
)

type Config struct {
	Logger Logger
	Wallet mint.Wallet
	Events events.Sink
}

type Ledger struct {
	logger Logger
	wallet mint.Wallet
	events events.Sink

	// sem is the single lock guarding balance and pending. A channel is
	// used instead of a mutex so waiting for it respects contexts.
	sem     chan struct{}
	balance btcutil.Amount
	pending []*odb.SettlementQuote

	// cached mirrors balance for lock free reads.
	cached atomic.Int64
}

func New(config *Config) (*Ledger, error) {
	if config.Wallet == nil {
		return nil, errors.New("Ledger needs a wallet")
	}

	ledger := &Ledger{
		logger: config.Logger,
		wallet: config.Wallet,
		events: config.Events,
		sem:    make(chan struct{}, 1),
	}

	if ledger.logger == nil {
		ledger.logger = noopLogger{}
	}
	if ledger.events == nil {
		ledger.events = events.Discard
	}

	return ledger, nil
}

// Exclusive runs fn while holding the ledger lock. The State handed to fn
// must not be used after fn returns.
func (l *Ledger) Exclusive(ctx context.Context, fn func(s *State) error) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return errors.Errorf("Could not acquire ledger: %v", ctx.Err())
	}

	state := &State{ledger: l}
	defer func() {
		state.released = true
		<-l.sem
	}()

	return fn(state)
}

// CachedBalance is the balance as of the last refresh. It never blocks and
// may be stale; spend decisions re-read the balance inside Exclusive.
func (l *Ledger) CachedBalance() btcutil.Amount {
	return btcutil.Amount(l.cached.Load())
}

// Wallet is the mint the ledger mirrors. Calls that don't spend or change the
// pending quotes may use it without holding the ledger.
func (l *Ledger) Wallet() mint.Wallet {
	return l.wallet
}

// PendingQuotes returns a copy of the pending quotes.
func (l *Ledger) PendingQuotes(ctx context.Context) ([]odb.SettlementQuote, error) {
	var quotes []odb.SettlementQuote

	err := l.Exclusive(ctx, func(s *State) error {
		quotes = s.Pending()
		return nil
	})

	return quotes, err
}

// State is the view of the ledger inside Exclusive.
type State struct {
	ledger   *Ledger
	released bool
}

func (s *State) check() {
	if s.released {
		panic("ledger state used outside of Exclusive")
	}
}

// RefreshBalance reads the balance from the mint and updates the cache.
func (s *State) RefreshBalance(ctx context.Context) (btcutil.Amount, error) {
	s.check()

	balance, err := s.ledger.wallet.TotalBalance(ctx)
	if err != nil {
		return 0, errors.Errorf("Could not get ecash balance: %v", err)
	}

	if balance != s.ledger.balance {
		s.ledger.logger.Debugf("Ecash balance changed from %v to %v", s.ledger.balance, balance)
	}

	s.ledger.balance = balance
	s.ledger.cached.Store(int64(balance))

	return balance, nil
}

// Balance is the cached balance, without asking the mint.
func (s *State) Balance() btcutil.Amount {
	s.check()

	return s.ledger.balance
}

func (s *State) Wallet() mint.Wallet {
	s.check()

	return s.ledger.wallet
}

// AddPending records a new pending quote. Quote ids are unique.
func (s *State) AddPending(quote *odb.SettlementQuote) error {
	s.check()

	if quote.Finalized {
		return odb.InvariantViolationError{Invariant: "only unfinalized quotes can be pending", QuoteId: quote.ID}
	}

	for _, pending := range s.ledger.pending {
		if pending.ID == quote.ID {
			return odb.InvariantViolationError{Invariant: "quote is already pending", QuoteId: quote.ID}
		}
	}

	q := *quote
	s.ledger.pending = append(s.ledger.pending, &q)

	s.ledger.events.Publish(events.TopicQuotes, "quote.created", map[string]interface{}{
		"id":     quote.ID,
		"amount": int64(quote.Amount),
		"expiry": quote.Expiry.Unix(),
	})

	return nil
}

// Pending returns a stable copy of the pending quotes.
func (s *State) Pending() []odb.SettlementQuote {
	s.check()

	quotes := make([]odb.SettlementQuote, 0, len(s.ledger.pending))
	for _, quote := range s.ledger.pending {
		quotes = append(quotes, *quote)
	}

	return quotes
}

func (s *State) Lookup(id string) (odb.SettlementQuote, bool) {
	s.check()

	for _, quote := range s.ledger.pending {
		if quote.ID == id {
			return *quote, true
		}
	}

	return odb.SettlementQuote{}, false
}

// Remove drops a pending quote without minting it.
func (s *State) Remove(id string) (odb.SettlementQuote, error) {
	s.check()

	for i, quote := range s.ledger.pending {
		if quote.ID == id {
			copy(s.ledger.pending[i:], s.ledger.pending[i+1:])
			s.ledger.pending[len(s.ledger.pending)-1] = nil
			s.ledger.pending = s.ledger.pending[:len(s.ledger.pending)-1]

			return *quote, nil
		}
	}

	return odb.SettlementQuote{}, odb.ErrQuoteNotFound
}

// Finalize marks a pending quote as minted and drops it.
func (s *State) Finalize(id string) error {
	quote, err := s.Remove(id)
	if err != nil {
		return err
	}

	s.ledger.events.Publish(events.TopicQuotes, "quote.paid", map[string]interface{}{
		"id":     quote.ID,
		"amount": int64(quote.Amount),
	})

	return nil
}

// DropExpired removes every quote whose expiry is before now and returns
// them.
func (s *State) DropExpired(now time.Time) []odb.SettlementQuote {
	s.check()

	var expired []odb.SettlementQuote
	kept := s.ledger.pending[:0]

	for _, quote := range s.ledger.pending {
		if quote.Expired(now) {
			expired = append(expired, *quote)

			s.ledger.events.Publish(events.TopicQuotes, "quote.expired", map[string]interface{}{
				"id":     quote.ID,
				"amount": int64(quote.Amount),
			})
			continue
		}
		kept = append(kept, quote)
	}

	// Don't keep dropped quotes reachable through the backing array
	for i := len(kept); i < len(s.ledger.pending); i++ {
		s.ledger.pending[i] = nil
	}
	s.ledger.pending = kept

	return expired
}
