package obs

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerMu     sync.RWMutex
	globalLogger = zap.NewNop()
)

// InitLogger installs a production JSON logger at the given level. Unknown
// levels fall back to info.
func InitLogger(level string) error {
	cfg := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	SetLogger(logger)
	return nil
}

// SetLogger replaces the global logger. A nil logger installs a no-op logger.
func SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loggerMu.Lock()
	globalLogger = logger
	loggerMu.Unlock()
}

func Logger() *zap.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return globalLogger
}

// WithModule returns a child logger tagged with the module name.
func WithModule(module string) *zap.Logger {
	return Logger().With(zap.String("module", module))
}

func SyncLogger() error {
	return Logger().Sync()
}
