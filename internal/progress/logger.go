package progress

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RunLogger writes each line to zap and publishes it as a log event scoped
// to one job run, so the live viewer and the log file agree.
type RunLogger struct {
	logger  *zap.Logger
	emitter Emitter
	jobID   string
	runID   string
}

// NewRunLogger scopes logger and emitter to a run. Either may be nil.
func NewRunLogger(logger *zap.Logger, emitter Emitter, jobID, runID string) *RunLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunLogger{
		logger:  logger.With(zap.String("job_id", jobID), zap.String("run_id", runID)),
		emitter: emitter,
		jobID:   jobID,
		runID:   runID,
	}
}

// Zap returns the scoped zap logger.
func (l *RunLogger) Zap() *zap.Logger {
	return l.logger
}

// Debug logs at debug level.
func (l *RunLogger) Debug(msg string, fields ...zap.Field) {
	l.logger.Debug(msg, fields...)
	l.publish(LevelDebug, msg, fields)
}

// Info logs at info level.
func (l *RunLogger) Info(msg string, fields ...zap.Field) {
	l.logger.Info(msg, fields...)
	l.publish(LevelInfo, msg, fields)
}

// Warn logs at warn level.
func (l *RunLogger) Warn(msg string, fields ...zap.Field) {
	l.logger.Warn(msg, fields...)
	l.publish(LevelWarn, msg, fields)
}

// Error logs at error level.
func (l *RunLogger) Error(msg string, fields ...zap.Field) {
	l.logger.Error(msg, fields...)
	l.publish(LevelError, msg, fields)
}

// Progress publishes a progress event for this run.
func (l *RunLogger) Progress(evt Event) {
	if l.emitter == nil {
		return
	}
	evt.Type = TypeProgress
	evt.JobID = l.jobID
	evt.RunID = l.runID
	l.emitter.Emit(evt)
}

func (l *RunLogger) publish(level Level, msg string, fields []zap.Field) {
	if l.emitter == nil {
		return
	}
	l.emitter.Emit(Event{
		Type:    TypeLog,
		JobID:   l.jobID,
		RunID:   l.runID,
		Level:   level,
		Message: msg,
		Fields:  fieldMap(fields),
	})
}

func fieldMap(fields []zap.Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return enc.Fields
}
