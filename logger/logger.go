package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blipee/pulse/errors"
)

var (
	// Global logger instance
	Logger *zap.SugaredLogger
	// Flag to track if JSON output is enabled
	JSONOutput bool

	// level is shared by every core built in Initialize so SetLevel applies at runtime
	level = zap.NewAtomicLevelAt(zap.InfoLevel)
)

func init() {
	// Safe no-op logger until Initialize() is called
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger.
// jsonOutput selects the production JSON encoder; otherwise a console encoder is used.
func Initialize(jsonOutput bool, lvl zapcore.Level) error {
	JSONOutput = jsonOutput
	level.SetLevel(lvl)

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = level
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}
		zapLogger, err = config.Build()
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		zapLogger = zap.New(
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(encCfg),
				zapcore.AddSync(os.Stdout),
				level,
			),
		)
	}

	if err != nil {
		return errors.Wrap(err, "failed to build logger")
	}

	Logger = zapLogger.Sugar()
	return nil
}

// SetLevel changes the level of the global logger in place.
// Loggers derived with Named/With keep following it.
func SetLevel(lvl zapcore.Level) {
	level.SetLevel(lvl)
}

// Level returns the current global log level
func Level() zapcore.Level {
	return level.Level()
}

// ParseLevel converts a config string ("debug", "info", "warn", "error") to a zap level
func ParseLevel(s string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zap.InfoLevel, errors.Newf("unknown log level %q", s)
	}
	return lvl, nil
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

// Infow logs an info message with structured fields
func Infow(msg string, keysAndValues ...interface{}) {
	Logger.Infow(msg, keysAndValues...)
}

// Warnw logs a warning message with structured fields
func Warnw(msg string, keysAndValues ...interface{}) {
	Logger.Warnw(msg, keysAndValues...)
}

// Errorw logs an error message with structured fields
func Errorw(msg string, keysAndValues ...interface{}) {
	Logger.Errorw(msg, keysAndValues...)
}

// Debugw logs a debug message with structured fields
func Debugw(msg string, keysAndValues ...interface{}) {
	Logger.Debugw(msg, keysAndValues...)
}
