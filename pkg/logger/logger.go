package logger

import (
	"getonblockchain/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Module = fx.Module("zap",
	fx.Provide(
		New,
	),
)

type ConfigParams struct {
	fx.In
	Cfg *config.Config
}

// New builds the process logger and installs it as zap.L(). Production
// emits JSON with severity keys; every other env uses the console encoder.
func New(p ConfigParams) *zap.Logger {
	zc := zap.NewDevelopmentConfig()
	if p.Cfg != nil && p.Cfg.AppEnv == "production" {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.EncoderConfig.StacktraceKey = "stacktrace"
		zc.EncoderConfig.LevelKey = "severity"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		zc.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		zc.OutputPaths = []string{"stdout"}
		zc.ErrorOutputPaths = []string{"stderr"}
	}
	if p.Cfg != nil {
		zc.Level = zap.NewAtomicLevelAt(level(p.Cfg.LogLevel, zc.Level.Level()))
	}

	log := zap.Must(zc.Build())
	if p.Cfg != nil {
		log = log.With(
			zap.String("env", p.Cfg.AppEnv),
			zap.String("service_name", p.Cfg.AppName),
			zap.String("service_version", p.Cfg.AppVersion),
			zap.Int64("node_id", p.Cfg.NodeID),
		)
	}

	zap.ReplaceGlobals(log)

	return log
}

// level parses LOG_LEVEL, keeping fallback for empty or unknown values.
func level(s string, fallback zapcore.Level) zapcore.Level {
	if s == "" {
		return fallback
	}
	l, err := zapcore.ParseLevel(s)
	if err != nil {
		return fallback
	}
	return l
}
