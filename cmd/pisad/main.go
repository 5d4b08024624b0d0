// Command pisad is the thin bootstrap for a PISA watchtower: load
// configuration, wire the engine, and block on head ticks until signaled to
// stop. The CLI surface is intentionally minimal — spec.md §1 places "the
// particular Ethereum RPC client" and the customer-facing transport outside
// this module's scope, so pisad exists only so the engine has a runnable
// entry point, in the style of the teacher's cmd/klay bootstrap.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli"

	"github.com/pisaresearch/pisa/internal/config"
	"github.com/pisaresearch/pisa/internal/engine"
	"github.com/pisaresearch/pisa/internal/ethrpc"
	"github.com/pisaresearch/pisa/log"
)

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "path to the tower's TOML configuration file",
		Value: "pisa.toml",
	}
	keyFileFlag = cli.StringFlag{
		Name:  "keyfile",
		Usage: "path to the responder's hex-encoded ECDSA private key",
	}
	rpcURLFlag = cli.StringFlag{
		Name:  "rpc",
		Usage: "Ethereum JSON-RPC endpoint to watch and respond against",
	}
	pollIntervalFlag = cli.DurationFlag{
		Name:  "head-poll-interval",
		Usage: "how often to poll the RPC endpoint for a new head",
		Value: 3 * time.Second,
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "pisad"
	app.Usage = "PISA watchtower daemon"
	app.Flags = []cli.Flag{configFlag, keyFileFlag, rpcURLFlag, pollIntervalFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "pisad:", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := config.LoadFile(ctx.String(configFlag.Name))
	if err != nil {
		return err
	}
	log.SetFormat(cfg.LogFormat)
	log.SetLevel(log.ParseLevel(cfg.LogLevel))
	logger := log.NewModuleLogger(log.Engine)

	keyHex, err := os.ReadFile(ctx.String(keyFileFlag.Name))
	if err != nil {
		return fmt.Errorf("reading keyfile: %w", err)
	}
	key, err := crypto.HexToECDSA(trimKey(string(keyHex)))
	if err != nil {
		return fmt.Errorf("parsing responder key: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpc, err := ethrpc.Dial(bgCtx, ctx.String(rpcURLFlag.Name))
	if err != nil {
		return fmt.Errorf("dialing rpc endpoint: %w", err)
	}

	// No ChainStateInspector is wired by default: spec.md §1 scopes
	// protocol-specific chain-state checks to a concrete integration, which
	// this thin bootstrap does not pick on the tower's behalf.
	eng, err := engine.New(bgCtx, cfg, rpc, key, nil)
	if err != nil {
		return fmt.Errorf("constructing engine: %w", err)
	}
	defer eng.Close()

	sub := rpc.SubscribeHeads(bgCtx, ctx.Duration(pollIntervalFlag.Name))
	defer sub.Unsubscribe()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("pisad started", "dataDir", cfg.DataDir, "rpc", ctx.String(rpcURLFlag.Name))

	for {
		select {
		case head, ok := <-sub.Heads():
			if !ok {
				return fmt.Errorf("head subscription closed")
			}
			if err := eng.ProcessHead(bgCtx, head); err != nil {
				logger.Error("failed to process head", "number", head.Number, "err", err)
			}
		case err := <-sub.Err():
			logger.Error("head subscription error", "err", err)
		case <-sigCh:
			logger.Info("shutting down")
			return nil
		}
	}
}

// trimKey strips surrounding whitespace/newlines and an optional "0x"
// prefix from a key file's contents.
func trimKey(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\n' || s[0] == '\r') {
		s = s[1:]
	}
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	return s
}
