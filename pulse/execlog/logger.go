package execlog

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Writer is the subset of Store a JobLogger needs
type Writer interface {
	Log(ctx context.Context, jobID string, level Level, message string, details map[string]interface{}) error
}

// JobLogger writes execution log entries for one job and mirrors them to zap.
// Write failures are reported to zap and otherwise ignored: losing a log line
// must not fail the job.
type JobLogger struct {
	ctx    context.Context
	writer Writer
	jobID  string
	zap    *zap.SugaredLogger
}

// NewJobLogger binds writer to jobID. A nil zap logger disables mirroring.
func NewJobLogger(ctx context.Context, writer Writer, jobID string, logger *zap.SugaredLogger) *JobLogger {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &JobLogger{
		ctx:    context.WithoutCancel(ctx),
		writer: writer,
		jobID:  jobID,
		zap:    logger.With("job_id", jobID),
	}
}

// JobID returns the job this logger writes to
func (l *JobLogger) JobID() string {
	return l.jobID
}

// Debugw logs at debug level with alternating key/value details
func (l *JobLogger) Debugw(msg string, keysAndValues ...interface{}) {
	l.write(LevelDebug, msg, keysAndValues)
}

// Infow logs at info level with alternating key/value details
func (l *JobLogger) Infow(msg string, keysAndValues ...interface{}) {
	l.write(LevelInfo, msg, keysAndValues)
}

// Warnw logs at warn level with alternating key/value details
func (l *JobLogger) Warnw(msg string, keysAndValues ...interface{}) {
	l.write(LevelWarn, msg, keysAndValues)
}

// Errorw logs at error level with alternating key/value details
func (l *JobLogger) Errorw(msg string, keysAndValues ...interface{}) {
	l.write(LevelError, msg, keysAndValues)
}

func (l *JobLogger) write(level Level, msg string, keysAndValues []interface{}) {
	switch level {
	case LevelDebug:
		l.zap.Debugw(msg, keysAndValues...)
	case LevelInfo:
		l.zap.Infow(msg, keysAndValues...)
	case LevelWarn:
		l.zap.Warnw(msg, keysAndValues...)
	case LevelError:
		l.zap.Errorw(msg, keysAndValues...)
	}

	if l.writer == nil {
		return
	}
	if err := l.writer.Log(l.ctx, l.jobID, level, msg, detailsFrom(keysAndValues)); err != nil {
		l.zap.Warnw("Failed to persist execution log", "error", err)
	}
}

// detailsFrom turns zap-style alternating pairs into a map.
// A dangling key is kept with a nil value.
func detailsFrom(keysAndValues []interface{}) map[string]interface{} {
	if len(keysAndValues) == 0 {
		return nil
	}
	details := make(map[string]interface{}, (len(keysAndValues)+1)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		var value interface{}
		if i+1 < len(keysAndValues) {
			value = keysAndValues[i+1]
		}
		if err, ok := value.(error); ok {
			value = err.Error()
		}
		details[key] = value
	}
	return details
}

type contextKey struct{}

// WithJobLogger attaches l to ctx for the handler to retrieve
func WithJobLogger(ctx context.Context, l *JobLogger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the job logger carried by ctx, or a logger that discards
// everything when there is none
func FromContext(ctx context.Context) *JobLogger {
	if l, ok := ctx.Value(contextKey{}).(*JobLogger); ok && l != nil {
		return l
	}
	return NewJobLogger(ctx, nil, "", nil)
}
