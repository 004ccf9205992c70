package logger

import "go.uber.org/zap/zapcore"

// Verbosity level constants for CLI flag counts (-v, -vv, -vvv).
const (
	VerbosityDefault = 0 // No flags: level from config
	VerbosityInfo    = 1 // -v
	VerbosityDebug   = 2 // -vv
)

// VerbosityToLevel maps verbosity flags to zap log levels.
// With no flags the configured level wins, so fallback is returned unchanged.
//
//	0 (none) -> fallback
//	1 (-v)   -> InfoLevel
//	2+ (-vv) -> DebugLevel
func VerbosityToLevel(verbosity int, fallback zapcore.Level) zapcore.Level {
	switch {
	case verbosity <= VerbosityDefault:
		return fallback
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
