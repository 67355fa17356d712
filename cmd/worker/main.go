package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"getonblockchain/pkg/clock"
	"getonblockchain/pkg/config"
	"getonblockchain/pkg/db"
	"getonblockchain/pkg/gen"
	"getonblockchain/pkg/hashistack/secretmanager"
	"getonblockchain/pkg/logger"
	"getonblockchain/pkg/otelcol"
	"getonblockchain/pkg/task"
	"getonblockchain/services/redemption"
)

// The worker runs the cleanup schedule and consumes redemption tasks. It
// never serves traffic, so it carries no HTTP or gRPC server.
func main() {
	opts := []fx.Option{
		configModule(),
		logger.Module,
		otelcol.Module,
		db.Module,
		gen.Module,
		clock.Module,
		task.Client,
		task.Server,
		redemption.Module,
		redemption.Worker,
		fxLogger,
	}

	if _, ok := os.LookupEnv("VAULT_ADDR"); ok {
		opts = append(opts, secretmanager.Module)
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

// configModule reads REMOTE_CONFIG_* from consul or etcd when set. Remote
// config always needs vault, so VAULT_ADDR must be set as well.
func configModule() fx.Option {
	if _, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		return config.RemoteModule
	}
	return config.Module
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
