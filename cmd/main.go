package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"tradelink/cmd/simbroker"
	"tradelink/src/security"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Name = "tradelink CMD"
	app.Usage = "The tradelink command line interface"

	app.Commands = []cli.Command{
		simbrokerCMD,
		encryptKeyCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	simbrokerCMD = cli.Command{
		Name:      "simbroker",
		Usage:     "run a stub broker speaking the wire protocol",
		Action:    simbrokerAction,
		ArgsUsage: "",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "addr", Value: "127.0.0.1:11099", Usage: "listen address"},
			cli.StringFlag{Name: "account", Value: "Sim1", Usage: "trade account reported to clients"},
			cli.Float64Flag{Name: "balance", Value: 10000, Usage: "cash balance pushed after logon"},
			cli.IntFlag{Name: "heartbeat", Value: 10, Usage: "heartbeat interval in seconds"},
			cli.BoolFlag{Name: "script-fills", Usage: "emit a scripted buy/sell fill pair after logon"},
		},
		Description: `Run a local stub broker for development and integration testing`,
	}
	encryptKeyCMD = cli.Command{
		Name:        "encryptkey",
		Usage:       "encrypt a broker credential for the environment",
		Action:      encryptKeyAction,
		ArgsUsage:   "<plaintext>",
		Flags:       []cli.Flag{},
		Description: `Seal a credential with the configured key so it can be stored in env vars`,
	}
)

func simbrokerAction(c *cli.Context) error {
	logrus.Info("Starting simbroker CMD")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker := &simbroker.SimBroker{
		Addr:             c.String("addr"),
		Account:          c.String("account"),
		StartingBalance:  c.Float64("balance"),
		HeartbeatSeconds: c.Int("heartbeat"),
		ScriptFills:      c.Bool("script-fills"),
	}

	if err := broker.Start(ctx); err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}
	return nil
}

func encryptKeyAction(c *cli.Context) error {
	plaintext := c.Args().First()
	if plaintext == "" {
		return cli.NewExitError("usage: encryptkey <plaintext>", 1)
	}

	encrypted, err := security.EncryptString(plaintext)
	if err != nil {
		logrus.WithError(err).Error("Encryption failed")
		return err
	}

	fmt.Println(encrypted)
	return nil
}
