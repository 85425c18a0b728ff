package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/go-errors/errors"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"github.com/the-lightning-land/overflowd/acquirer"
	"github.com/the-lightning-land/overflowd/events"
	"github.com/the-lightning-land/overflowd/intercept"
	"github.com/the-lightning-land/overflowd/journal"
	"github.com/the-lightning-land/overflowd/ledger"
	"github.com/the-lightning-land/overflowd/lndc"
	"github.com/the-lightning-land/overflowd/lsp"
	"github.com/the-lightning-land/overflowd/mint"
	"github.com/the-lightning-land/overflowd/oracle"
	"github.com/the-lightning-land/overflowd/reconciler"
)

var (
	// Commit stores the current commit hash of this build. This should be set using -ldflags during compilation.
	commit string
	// Version stores the version string of this build. This should be set using -ldflags during compilation.
	version string
	// Stores the date of this build. This should be set using -ldflags during compilation.
	date string
)

const recentEvents = 200

// overflowdMain is the true entry point for overflowd. This is required since defers
// created in the top-level scope of a main method aren't executed if os.Exit() is called.
func overflowdMain() error {
	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version=%s commit=%s date=%s\n", version, commit, date)
		return nil
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	log.Debug("Starting overflowd...")

	// Print version of the daemon
	log.Infof("Version %s (commit %s)", version, commit)
	log.Infof("Built on %s", date)

	node, err := lndc.NewClient(&lndc.Config{
		RpcServer:    cfg.LndNode.RpcServer,
		MacaroonPath: cfg.LndNode.MacaroonPath,
		TlsCertPath:  cfg.LndNode.TlsCertPath,
	})
	if err != nil {
		return errors.Errorf("Could not create lnd client: %v", err)
	}
	defer node.Close()

	wallet, err := newWallet(cfg)
	if err != nil {
		return err
	}

	bus := events.NewBus(newWatermillLogger(log.WithField("subsystem", "events")))
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recorder := events.NewRecorder(recentEvents)
	if err := recorder.Follow(ctx, bus, events.TopicQuotes, events.TopicAcquisition); err != nil {
		return errors.Errorf("Could not follow events: %v", err)
	}

	l, err := ledger.New(&ledger.Config{
		Logger: log.WithField("subsystem", "ledger"),
		Wallet: wallet,
		Events: bus,
	})
	if err != nil {
		return errors.Errorf("Could not create ledger: %v", err)
	}

	// Ecash can't be restored from a seed, an empty balance after a
	// restart may mean the wallet's data is gone.
	err = l.Exclusive(ctx, func(s *ledger.State) error {
		balance, err := s.RefreshBalance(ctx)
		if err != nil {
			return err
		}

		log.Infof("Ecash balance is %v", balance)
		if balance == 0 {
			log.Warnf("Ecash balance is zero. Ecash is not restorable from a seed, make sure the wallet data at %v is backed up.", cfg.Mint.WalletURL)
		}

		return nil
	})
	if err != nil {
		log.Warnf("Could not read ecash balance: %v", err)
	}

	liquidityOracle, err := oracle.New(&oracle.Config{
		Node:              node,
		Logger:            log.WithField("subsystem", "oracle"),
		AssumeZeroOnError: cfg.AssumeZeroOnError,
	})
	if err != nil {
		return errors.Errorf("Could not create liquidity oracle: %v", err)
	}

	interceptor, err := intercept.New(&intercept.Config{
		Logger:       log.WithField("subsystem", "intercept"),
		Oracle:       liquidityOracle,
		Ledger:       l,
		SafetyFactor: cfg.safetyFactor,
	})
	if err != nil {
		return errors.Errorf("Could not create interceptor: %v", err)
	}

	r, err := reconciler.NewReconciler(&reconciler.Config{
		Logger:   log.WithField("subsystem", "reconciler"),
		Ledger:   l,
		Interval: cfg.ReconcileInterval,
	})
	if err != nil {
		return errors.Errorf("Could not create reconciler: %v", err)
	}

	lspClient, err := lsp.NewClient(&lsp.Config{BaseURL: cfg.Lsp.URL})
	if err != nil {
		return errors.Errorf("Could not create LSP client: %v", err)
	}

	var orderJournal acquirer.OrderJournal
	if cfg.JournalDSN != "" {
		j, err := journal.Open(ctx, cfg.JournalDSN)
		if err != nil {
			return errors.Errorf("Could not open order journal: %v", err)
		}
		defer j.Close()

		orderJournal = j
	}

	a, err := acquirer.NewAcquirer(&acquirer.Config{
		Logger:            log.WithField("subsystem", "acquirer"),
		Ledger:            l,
		Lsp:               lspClient,
		Node:              node,
		Journal:           orderJournal,
		Events:            bus,
		TargetChannelSize: btcutil.Amount(cfg.TargetChannelSize),
		SafetyFactor:      cfg.safetyFactor,
		PollInterval:      cfg.PollInterval,
		FailureCooldown:   cfg.FailureCooldown,
		ConfirmationGrace: cfg.ConfirmationGrace,
		FallbackURI:       cfg.Lsp.FallbackURI,
	})
	if err != nil {
		return errors.Errorf("Could not create acquirer: %v", err)
	}

	server := newRPCServer(&rpcServerConfig{
		node:        node,
		ledger:      l,
		interceptor: interceptor,
		reconciler:  r,
		acquirer:    a,
		recorder:    recorder,
		logger:      log.WithField("subsystem", "rpc"),
		version:     version,
		commit:      commit,
	})

	errs := make(chan error, len(cfg.Listeners)+2)

	var httpServers []*http.Server
	for _, addr := range cfg.Listeners {
		listener, err := net.Listen(addr.Network(), addr.String())
		if err != nil {
			return errors.Errorf("Could not listen on %v: %v", addr, err)
		}

		httpServer := &http.Server{
			Handler:           server,
			ReadHeaderTimeout: 10 * time.Second,
		}
		httpServers = append(httpServers, httpServer)

		log.Infof("Listening on %v", listener.Addr())

		go func() {
			if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
				errs <- errors.Errorf("Could not serve: %v", err)
			}
		}()
	}

	go func() {
		if err := r.Run(); err != nil {
			errs <- err
		}
	}()

	go func() {
		if err := a.Run(); err != nil {
			errs <- err
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-signals:
		log.Infof("Received %v, shutting down...", sig)
	case err = <-errs:
		log.Errorf("Shutting down: %v", err)
	}

	r.Stop()
	a.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	for _, httpServer := range httpServers {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warnf("Could not shut down server: %v", err)
		}
	}

	return err
}

func newWallet(cfg *config) (mint.Wallet, error) {
	switch cfg.Mint.Backend {
	case "memory":
		log.Warnf("Using in-memory ecash wallet, it holds no real ecash")

		return mint.NewMemoryWallet(&mint.MemoryWalletConfig{
			Balance:      btcutil.Amount(cfg.Mint.MemoryBalance),
			DecodeAmount: mint.Bolt11Amount(cfg.chainParams()),
		}), nil
	default:
		wallet, err := mint.NewClient(&mint.ClientConfig{
			WalletURL: cfg.Mint.WalletURL,
			MintURL:   cfg.Mint.URL,
		})
		if err != nil {
			return nil, errors.Errorf("Could not create mint client: %v", err)
		}

		log.Infof("Using mint %v through wallet %v", cfg.Mint.URL, cfg.Mint.WalletURL)

		return wallet, nil
	}
}

func main() {
	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	if err := overflowdMain(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		} else {
			log.WithError(err).Println("Failed running overflowd.")
		}
		os.Exit(1)
	}
}
