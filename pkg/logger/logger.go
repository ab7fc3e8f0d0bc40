package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log   *zap.Logger
	sugar *zap.SugaredLogger
)

// Init builds the process-wide logger for the coordinator.
// env is one of "dev", "uat", "prod" or "test"; "test" produces a no-op logger.
func Init(service, env, level string) {
	if env == "test" {
		log = zap.NewNop()
		sugar = log.Sugar()
		return
	}

	var cfg zap.Config
	if env == "dev" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.InitialFields = map[string]any{"service": service, "env": env}

	built, err := cfg.Build(zap.AddCaller())
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}

	log = built
	sugar = built.Sugar()

	sugar.Infow("logger initialized", "level", level)
}

// L returns the structured logger.
func L() *zap.Logger {
	if log == nil {
		Init("sync-coordinator", "dev", "info")
	}
	return log
}

// S returns the sugared logger, used mostly from main.
func S() *zap.SugaredLogger {
	if sugar == nil {
		Init("sync-coordinator", "dev", "info")
	}
	return sugar
}

// Component returns a child logger tagged with the component name.
func Component(name string) *zap.Logger {
	return L().With(zap.String("component", name))
}

// Sync flushes buffered entries; defer it in main.
func Sync() {
	if log != nil {
		_ = log.Sync()
	}
}
