package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"getonblockchain/pkg/authz"
	"getonblockchain/pkg/clock"
	"getonblockchain/pkg/config"
	"getonblockchain/pkg/db"
	"getonblockchain/pkg/featureflags"
	"getonblockchain/pkg/gen"
	"getonblockchain/pkg/hashistack/secretmanager"
	"getonblockchain/pkg/httpapi"
	"getonblockchain/pkg/logger"
	"getonblockchain/pkg/otelcol"
	"getonblockchain/pkg/profiling"
	"getonblockchain/pkg/redis"
	"getonblockchain/pkg/sequence"
	"getonblockchain/pkg/server"
	"getonblockchain/pkg/task"
	"getonblockchain/pkg/tokenburn"
	"getonblockchain/services/redemption"
)

func main() {
	opts := []fx.Option{
		configModule(),
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		gen.Module,
		clock.Module,
		task.Client,
		tokenburn.Module,
		featureflags.Module,
		authz.Module,
		server.ProvideHTTPServer,
		server.ProvideGRPCServer,
		httpapi.Module,
		redemption.Module,
		redemption.HTTP,
		redemption.GRPC,
		fx.Invoke(redemption.Migrate),
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
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger}
})
