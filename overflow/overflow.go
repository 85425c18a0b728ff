package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/go-errors/errors"
	"github.com/jessevdk/go-flags"
	"github.com/kr/pretty"
	log "github.com/sirupsen/logrus"
	"github.com/the-lightning-land/overflowd/rpc"
	"github.com/urfave/cli"
)

var (
	// Commit stores the current commit hash of this build. This should be set using -ldflags during compilation.
	commit string
	// Version stores the version string of this build. This should be set using -ldflags during compilation.
	version string
	// Stores the date of this build. This should be set using -ldflags during compilation.
	date string
)

func client(c *cli.Context) *rpc.Client {
	return rpc.NewClient(c.GlobalString("rpcserver"))
}

// overflowMain is the true entry point for overflow. This is required since defers
// created in the top-level scope of a main method aren't executed if os.Exit() is called.
func overflowMain() error {
	app := cli.NewApp()
	app.Name = "overflow"
	app.Usage = "control an overflowd daemon"
	app.EnableBashCompletion = true
	app.Version = version

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("version=%s commit=%s date=%s\n", version, commit, date)
	}

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "rpcserver",
			Value:  "localhost:5000",
			EnvVar: "OVERFLOW_RPCSERVER",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:    "info",
			Aliases: []string{"i"},
			Usage:   "show ecash balance and acquisition state",
			Action: func(c *cli.Context) error {
				res, err := client(c).GetInfo(context.Background())
				if err != nil {
					return errors.Errorf("Could not get info: %v", err)
				}

				pretty.Println(res)

				return nil
			},
		},
		{
			Name:    "quotes",
			Aliases: []string{"q"},
			Usage:   "list pending ecash claims",
			Action: func(c *cli.Context) error {
				res, err := client(c).ListQuotes(context.Background())
				if err != nil {
					return errors.Errorf("Could not list quotes: %v", err)
				}

				pretty.Println(res.Quotes)

				return nil
			},
		},
		{
			Name:      "invoice",
			ArgsUsage: "[amt_msat] [description] [label]",
			Usage:     "create an invoice, replaced by an ecash claim when inbound liquidity is short",
			Action: func(c *cli.Context) error {
				amtMsat, err := strconv.ParseUint(c.Args().Get(0), 10, 64)
				if err != nil {
					return errors.Errorf("Invalid amount %q: %v", c.Args().Get(0), err)
				}

				res, err := client(c).CreateInvoice(context.Background(), &rpc.CreateInvoiceRequest{
					AmountMsat:  amtMsat,
					Description: c.Args().Get(1),
					Label:       c.Args().Get(2),
				})
				if err != nil {
					return errors.Errorf("Could not create invoice: %v", err)
				}

				pretty.Println(res)

				return nil
			},
		},
		{
			Name:  "events",
			Usage: "show recent ledger and acquisition events",
			Action: func(c *cli.Context) error {
				res, err := client(c).ListEvents(context.Background())
				if err != nil {
					return errors.Errorf("Could not list events: %v", err)
				}

				for _, event := range res.Events {
					fmt.Printf("%s %-12s %-20s %# v\n",
						event.Time.Format("2006-01-02 15:04:05"), event.Topic, event.Kind, pretty.Formatter(event.Fields))
				}

				return nil
			},
		},
		{
			Name:  "reconcile",
			Usage: "check pending ecash claims now",
			Action: func(c *cli.Context) error {
				res, err := client(c).Reconcile(context.Background())
				if err != nil {
					return errors.Errorf("Could not reconcile: %v", err)
				}

				pretty.Println(res)

				return nil
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}

	return nil
}

func main() {
	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	if err := overflowMain(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		} else {
			log.WithError(err).Println("Failed running overflow.")
		}
		os.Exit(1)
	}
}
