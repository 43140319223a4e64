/*
A CLI tool for poking at an Ethereum node over JSON-RPC: one-off calls, live
subscriptions, polled filters, and sending pre-signed transactions.

Installation:

	go install github.com/purelabio/ethrpc/eth_rpc@latest

Example usage:

	eth_rpc -help
	eth_rpc --rpc ws://localhost:8546 call eth_blockNumber
	eth_rpc --rpc ws://localhost:8546 call eth_getBalance '"0x..."' '"latest"'
	eth_rpc --rpc ws://localhost:8546 subscribe newHeads
	eth_rpc --rpc http://localhost:8545 watch blocks
	eth_rpc --rpc ws://localhost:8546 send --confirmations 3 0xf86c...
	eth_rpc --rpc ws://localhost:8546 escalate 0xf86c... 0xf86c...
	eth_rpc --rpc ws://localhost:8546 txs --concurrency 4
	eth_rpc --rpc https://mainnet.example.com --retry call eth_blockNumber

Call params are parsed as JSON when possible and passed as strings otherwise.
Notifications and results are printed to stdout as JSON, one per line; logs go
to stderr. Interrupt with Ctrl+C.
*/
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/purelabio/ethrpc"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

var (
	flagRpc = &cli.StringFlag{
		Name:    "rpc",
		Usage:   "node endpoint: ws(s)://, http(s)://, ipc:// or a socket path",
		Value:   "ws://localhost:8546",
		EnvVars: []string{"ETH_RPC"},
	}
	flagConfig = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML file with client settings",
	}
	flagLogLevel = &cli.StringFlag{
		Name:  "log-level",
		Usage: "one of: trace, debug, info, warn, error",
		Value: "info",
	}
	flagMetricsAddr = &cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "serve Prometheus metrics on this address, for example :9100",
	}
	flagConfirmations = &cli.Uint64Flag{
		Name:  "confirmations",
		Usage: "blocks to wait for, including the one with the transaction",
		Value: ethrpc.DefaultConfirmations,
	}
	flagRetry = &cli.BoolFlag{
		Name:  "retry",
		Usage: "repeat calls rejected by rate limiting, per retry_attempts and retry_backoff",
	}
	flagConcurrency = &cli.IntFlag{
		Name:  "concurrency",
		Usage: "transactions to look up at once",
		Value: ethrpc.DefaultTxFetchConcurrency,
	}
	flagAddress = &cli.StringSliceFlag{
		Name:  "address",
		Usage: "contract address to filter logs by; repeatable",
	}
)

var app = &cli.App{
	Name:  "eth_rpc",
	Usage: "talk to an Ethereum node over JSON-RPC",
	Flags: []cli.Flag{flagRpc, flagConfig, flagLogLevel, flagMetricsAddr, flagRetry},
	Commands: []*cli.Command{
		{
			Name:      "call",
			Usage:     "make one RPC call and print the result",
			ArgsUsage: "<method> [params...]",
			Action:    cmdCall,
		},
		{
			Name:      "subscribe",
			Usage:     "print notifications of an eth_subscribe subscription",
			ArgsUsage: "<newHeads|logs|newPendingTransactions> [params...]",
			Action:    cmdSubscribe,
		},
		{
			Name:      "watch",
			Usage:     "poll a filter and print its changes",
			ArgsUsage: "<logs|blocks|pending>",
			Flags:     []cli.Flag{flagAddress},
			Action:    cmdWatch,
		},
		{
			Name:      "send",
			Usage:     "broadcast a signed transaction and wait for confirmations",
			ArgsUsage: "<raw tx hex>",
			Flags:     []cli.Flag{flagConfirmations},
			Action:    cmdSend,
		},
		{
			Name:      "escalate",
			Usage:     "broadcast signed variants in increasing fee order until one is mined",
			ArgsUsage: "<raw tx hex>...",
			Action:    cmdEscalate,
		},
		{
			Name:   "txs",
			Usage:  "print full transactions entering the node's pool",
			Flags:  []cli.Flag{flagConcurrency},
			Action: cmdTxs,
		},
	},
}

func main() {
	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

func cmdCall(cliCtx *cli.Context) error {
	if cliCtx.NArg() < 1 {
		return errors.New("missing method name")
	}

	return withTrans(cliCtx, func(ctx context.Context, trans ethrpc.Trans, conf ethrpc.Config) error {
		var out json.RawMessage
		err := retrying(cliCtx, trans, conf).Call(ctx, &out, cliCtx.Args().First(), parseParams(cliCtx.Args().Tail())...)
		if err != nil {
			return err
		}
		return printJson(out)
	})
}

func cmdSubscribe(cliCtx *cli.Context) error {
	if cliCtx.NArg() < 1 {
		return errors.New("missing subscription kind")
	}

	return withTrans(cliCtx, func(ctx context.Context, trans ethrpc.Trans, conf ethrpc.Config) error {
		pubsub, ok := trans.(ethrpc.PubsubTrans)
		if !ok {
			return errors.Errorf("%q doesn't support subscriptions; use \"watch\"", cliCtx.String(flagRpc.Name))
		}

		params := append([]interface{}{cliCtx.Args().First()}, parseParams(cliCtx.Args().Tail())...)
		stream, err := pubsub.Subscribe(ctx, params...)
		if err != nil {
			return err
		}
		defer stream.Close()
		conf.Logger.Info().Uint64("sub", stream.Id).Msg("subscribed")

		for {
			payload, err := stream.NextRaw(ctx)
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				return err
			}
			err = printJson(payload)
			if err != nil {
				return err
			}
		}
	})
}

func cmdWatch(cliCtx *cli.Context) error {
	return withTrans(cliCtx, func(ctx context.Context, trans ethrpc.Trans, conf ethrpc.Config) error {
		trans = retrying(cliCtx, trans, conf)
		var watcher *ethrpc.FilterWatcher
		var err error

		switch kind := cliCtx.Args().First(); kind {
		case "logs":
			var filter ethrpc.LogFilter
			for _, input := range cliCtx.StringSlice(flagAddress.Name) {
				addr, err := ethrpc.ParseAddress(input)
				if err != nil {
					return err
				}
				filter.Address = append(filter.Address, addr)
			}
			watcher, err = ethrpc.WatchLogs(ctx, trans, filter)
		case "blocks":
			watcher, err = ethrpc.WatchBlocks(ctx, trans)
		case "pending":
			watcher, err = ethrpc.WatchPendingTxs(ctx, trans)
		default:
			return errors.Errorf("unknown filter kind %q", kind)
		}
		if err != nil {
			return err
		}
		watcher.Configure(conf)
		conf.Logger.Info().Str("filter", watcher.Id).Msg("filter installed")

		defer func() {
			uninstallCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err := watcher.Uninstall(uninstallCtx)
			if err != nil {
				conf.Logger.Warn().Err(err).Msg("failed to uninstall filter")
			}
		}()

		for {
			item, err := watcher.NextRaw(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				return err
			}
			err = printJson(item)
			if err != nil {
				return err
			}
		}
	})
}

func cmdSend(cliCtx *cli.Context) error {
	if cliCtx.NArg() != 1 {
		return errors.New("expected exactly one raw transaction")
	}
	raw, err := ethrpc.ParseHexBytes(cliCtx.Args().First())
	if err != nil {
		return err
	}

	return withTrans(cliCtx, func(ctx context.Context, trans ethrpc.Trans, conf ethrpc.Config) error {
		receipt, err := ethrpc.SendRawAndWait(ctx, retrying(cliCtx, trans, conf), raw, cliCtx.Uint64(flagConfirmations.Name), conf)
		if err != nil {
			return err
		}
		return printJson(receipt)
	})
}

func cmdEscalate(cliCtx *cli.Context) error {
	if cliCtx.NArg() < 1 {
		return errors.New("expected at least one raw transaction")
	}

	variants := make([]ethrpc.HexBytes, 0, cliCtx.NArg())
	for _, input := range cliCtx.Args().Slice() {
		raw, err := ethrpc.ParseHexBytes(input)
		if err != nil {
			return err
		}
		variants = append(variants, raw)
	}

	return withTrans(cliCtx, func(ctx context.Context, trans ethrpc.Trans, conf ethrpc.Config) error {
		receipt, err := ethrpc.SendEscalating(ctx, retrying(cliCtx, trans, conf), variants, conf)
		if err != nil {
			return err
		}
		return printJson(receipt)
	})
}

func cmdTxs(cliCtx *cli.Context) error {
	return withTrans(cliCtx, func(ctx context.Context, trans ethrpc.Trans, conf ethrpc.Config) error {
		out := make(chan ethrpc.TxResult)
		errc := make(chan error, 1)
		go func() {
			errc <- ethrpc.StreamPendingTxs(ctx, trans, cliCtx.Int(flagConcurrency.Name), conf, out)
		}()

		for res := range out {
			if res.Err != nil {
				conf.Logger.Debug().Err(res.Err).Str("hash", res.Hash.String()).Msg("skipping transaction")
				continue
			}
			err := printJson(res.Tx)
			if err != nil {
				return err
			}
		}

		err := <-errc
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}

// Wraps the transport in "ethrpc.RetryTrans" when "--retry" is set.
func retrying(cliCtx *cli.Context, trans ethrpc.Trans, conf ethrpc.Config) ethrpc.Trans {
	if cliCtx.Bool(flagRetry.Name) {
		return ethrpc.NewRetryTrans(trans, conf)
	}
	return trans
}

/*
Builds the config from the global flags, dials the node, and runs the given
function with a context canceled on SIGINT or SIGTERM.
*/
func withTrans(cliCtx *cli.Context, fun func(context.Context, ethrpc.Trans, ethrpc.Config) error) error {
	conf, err := loadConfig(cliCtx)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rpcPath := cliCtx.String(flagRpc.Name)
	trans, err := ethrpc.Dial(ctx, rpcPath, conf)
	if err != nil {
		return err
	}
	if closer, ok := trans.(io.Closer); ok {
		defer closer.Close()
	}

	conf.Logger.Debug().Str("rpc", rpcPath).Msg("connected")
	return fun(ctx, trans, conf)
}

func loadConfig(cliCtx *cli.Context) (ethrpc.Config, error) {
	conf := ethrpc.DefaultConfig()
	if path := cliCtx.String(flagConfig.Name); path != "" {
		var err error
		conf, err = ethrpc.LoadConfig(path)
		if err != nil {
			return conf, err
		}
	} else {
		conf.PollInterval = ethrpc.Duration(ethrpc.PollIntervalFor(cliCtx.String(flagRpc.Name)))
	}

	level, err := zerolog.ParseLevel(cliCtx.String(flagLogLevel.Name))
	if err != nil {
		return conf, errors.Wrap(err, "invalid log level")
	}
	conf.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	if addr := cliCtx.String(flagMetricsAddr.Name); addr != "" {
		registry := prometheus.NewRegistry()
		conf.Metrics = ethrpc.NewMetrics(registry)
		go serveMetrics(addr, registry, conf.Logger)
	}
	return conf, nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	logger.Info().Str("addr", addr).Msg("serving metrics")
	err := http.ListenAndServe(addr, mux)
	if err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

// Arguments that parse as JSON are passed as such; anything else is a string.
func parseParams(args []string) []interface{} {
	out := make([]interface{}, len(args))
	for i, arg := range args {
		if json.Valid([]byte(arg)) {
			out[i] = json.RawMessage(arg)
		} else {
			out[i] = arg
		}
	}
	return out
}

func printJson(val interface{}) error {
	out, err := json.Marshal(val)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = fmt.Fprintf(os.Stdout, "%s\n", out)
	return errors.WithStack(err)
}
