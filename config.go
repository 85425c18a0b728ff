package main

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/go-errors/errors"
	"github.com/jessevdk/go-flags"
	"github.com/shopspring/decimal"
)

const (
	defaultRPCPort           = 5000
	defaultMintURL           = "https://mint.coinos.io"
	defaultMintWalletURL     = "http://localhost:4448"
	defaultLspURL            = "https://mutinynet-lsps1.lnolymp.us"
	defaultTargetChannelSize = 1000000
	defaultSafetyFactor      = "0.9"
)

type lndNodeConfig struct {
	RpcServer    string `long:"rpcserver" env:"LND_RPCSERVER" description:"host:port of ln daemon"`
	MacaroonPath string `long:"macaroonpath" env:"LND_MACAROONPATH" description:"path to macaroon file"`
	TlsCertPath  string `long:"tlscertpath" env:"LND_TLSCERTPATH" description:"path to TLS certificate"`
}

type mintConfig struct {
	Backend       string `long:"backend" env:"MINT_BACKEND" description:"Where ecash is held" choice:"rest" choice:"memory"`
	URL           string `long:"url" env:"MINT_URL" description:"URL of the ecash mint"`
	WalletURL     string `long:"walleturl" env:"MINT_WALLET_URL" description:"URL of the ecash wallet daemon holding the proofs"`
	MemoryBalance int64  `long:"memorybalance" description:"Starting balance in satoshis of the memory backend"`
}

type lspConfig struct {
	URL         string `long:"url" env:"LSP_URL" description:"Base URL of the LSPS1 service"`
	FallbackURI string `long:"fallbackuri" env:"LSP_FALLBACK_URI" description:"pubkey@host:port used when the LSP advertises no clearnet uri"`
}

type config struct {
	ShowVersion  bool     `short:"v" long:"version" description:"Display version information and exit."`
	Debug        bool     `long:"debug" env:"DEBUG" description:"Start in debug mode."`
	Node         string   `long:"node" description:"The node whose invoices are handled." choice:"lnd"`
	Network      string   `long:"network" env:"NETWORK" description:"Bitcoin network of the node." choice:"mainnet" choice:"testnet" choice:"signet" choice:"regtest" choice:"simnet"`
	RawListeners []string `long:"listen" env:"LISTEN" env-delim:"," description:"Add an interface/port/socket to listen for RPC connections"`
	Listeners    []net.Addr

	TargetChannelSize int64         `long:"targetchannelsize" env:"TARGET_CHANNEL_SIZE_SAT" description:"Size in satoshis of channels bought from the LSP"`
	RawSafetyFactor   string        `long:"safetyfactor" env:"SAFETY_FACTOR" description:"Share of inbound liquidity and ecash balance that is considered usable"`
	safetyFactor      decimal.Decimal
	ReconcileInterval time.Duration `long:"reconcileinterval" env:"RECONCILE_INTERVAL" description:"How often pending ecash claims are checked"`
	PollInterval      time.Duration `long:"pollinterval" env:"POLL_INTERVAL" description:"How often the ecash balance is compared to the channel cost"`
	FailureCooldown   time.Duration `long:"failurecooldown" env:"FAILURE_COOLDOWN" description:"Pause after a failed channel purchase"`
	ConfirmationGrace time.Duration `long:"confirmationgrace" env:"CONFIRMATION_GRACE" description:"Wait after paying an order before asking for its state"`
	AssumeZeroOnError bool          `long:"assumezeroonerror" env:"ASSUME_ZERO_ON_ERROR" description:"Treat inbound liquidity as zero when the node can't be asked"`
	JournalDSN        string        `long:"journaldsn" env:"JOURNAL_DSN" description:"Postgres DSN of the LSP order journal"`

	LndNode *lndNodeConfig `group:"LND" namespace:"lnd"`
	Mint    *mintConfig    `group:"Mint" namespace:"mint"`
	Lsp     *lspConfig     `group:"LSP" namespace:"lsp"`
}

func loadConfig() (*config, error) {
	defaultCfg := config{
		Debug:             false,
		Node:              "lnd",
		Network:           "mainnet",
		TargetChannelSize: defaultTargetChannelSize,
		RawSafetyFactor:   defaultSafetyFactor,
		ReconcileInterval: 10 * time.Second,
		PollInterval:      15 * time.Second,
		FailureCooldown:   60 * time.Second,
		ConfirmationGrace: 5 * time.Second,
		LndNode: &lndNodeConfig{
			RpcServer:    "localhost:10009",
			MacaroonPath: "admin.macaroon",
			TlsCertPath:  "tls.cert",
		},
		Mint: &mintConfig{
			Backend:   "rest",
			URL:       defaultMintURL,
			WalletURL: defaultMintWalletURL,
		},
		Lsp: &lspConfig{
			URL: defaultLspURL,
		},
	}

	preCfg := defaultCfg

	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	cfg := preCfg

	cfg.LndNode.MacaroonPath = cleanAndExpandPath(cfg.LndNode.MacaroonPath)
	cfg.LndNode.TlsCertPath = cleanAndExpandPath(cfg.LndNode.TlsCertPath)

	safetyFactor, err := decimal.NewFromString(cfg.RawSafetyFactor)
	if err != nil {
		return nil, errors.Errorf("Invalid safety factor %v: %v", cfg.RawSafetyFactor, err)
	}
	if !safetyFactor.IsPositive() || safetyFactor.GreaterThan(decimal.NewFromInt(1)) {
		return nil, errors.Errorf("Safety factor %v must be within (0, 1]", safetyFactor)
	}
	cfg.safetyFactor = safetyFactor

	if cfg.TargetChannelSize <= 0 {
		return nil, errors.Errorf("Target channel size must be positive, got %v", cfg.TargetChannelSize)
	}

	// Listen on the default interface/port if no listeners were specified.
	// An empty address string means default interface/address, which on
	// most unix systems is the same as 0.0.0.0.
	if len(cfg.RawListeners) == 0 {
		addr := fmt.Sprintf(":%d", defaultRPCPort)
		cfg.RawListeners = append(cfg.RawListeners, addr)
	}

	cfg.Listeners = make([]net.Addr, 0, len(cfg.RawListeners))
	for _, addr := range cfg.RawListeners {
		parsedAddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return nil, err
		}

		cfg.Listeners = append(cfg.Listeners, parsedAddr)
	}

	return &cfg, nil
}

func (cfg *config) chainParams() *chaincfg.Params {
	switch cfg.Network {
	case "testnet":
		return &chaincfg.TestNet3Params
	case "signet":
		return &chaincfg.SigNetParams
	case "regtest":
		return &chaincfg.RegressionNetParams
	case "simnet":
		return &chaincfg.SimNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		user, err := user.Current()
		if err == nil {
			homeDir = user.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
