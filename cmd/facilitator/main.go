// Command facilitator runs the x402 exact EVM facilitator: /verify, /settle
// and /supported over HTTP, with optional fee collection.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/becomeliminal/x402-facilitator/evm"
	"github.com/becomeliminal/x402-facilitator/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error("facilitator stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := server.LoadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	gin.SetMode(cfg.GinMode)

	fee := cfg.FeeConfig(logger)

	opts := []evm.BackendOption{
		evm.WithSigningKey(fee.Key),
		evm.WithRPCTimeout(cfg.RPCTimeout),
	}
	for network, url := range cfg.RPCURLs {
		opts = append(opts, evm.WithRPCURL(network, url))
	}
	backend := evm.NewEthBackend(opts...)
	defer backend.Close()

	facilitator := evm.NewFacilitator(backend, fee, evm.WithLogger(logger))

	attrs := []any{
		"port", cfg.Port,
		"networks", evm.SupportedNetworks(),
		"fee_enabled", fee.Enabled(),
	}
	if fee.Enabled() {
		attrs = append(attrs, "fee_amount", fee.Amount.String())
	}
	if addr, ok := fee.Address(); ok {
		attrs = append(attrs, "facilitator_address", addr.Hex())
	}
	logger.Info("starting facilitator", attrs...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.New(facilitator, logger).Run(ctx, ":"+cfg.Port, cfg.ShutdownTimeout)
}
