package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/magnet-crawler/internal/progress"
)

// LogSink mirrors exported events into the application log. Job state
// changes log at info, progress at debug. Log events are skipped since
// RunLogger wrote them when they were emitted.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

// Consume logs the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Type {
		case progress.TypeLog:
			continue
		case progress.TypeJobState:
			s.logger.Info("job state", eventFields(evt)...)
		default:
			if ce := s.logger.Check(zapcore.DebugLevel, "crawl progress"); ce != nil {
				ce.Write(eventFields(evt)...)
			}
		}
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func eventFields(evt progress.Event) []zap.Field {
	fields := []zap.Field{
		zap.Uint64("seq", evt.Seq),
		zap.String("job_id", evt.JobID),
	}
	if evt.RunID != "" {
		fields = append(fields, zap.String("run_id", evt.RunID))
	}
	if evt.State != "" {
		fields = append(fields, zap.String("state", evt.State))
	}
	if evt.Stage != "" {
		fields = append(fields, zap.String("stage", string(evt.Stage)))
	}
	if evt.Site != "" {
		fields = append(fields, zap.String("site", evt.Site))
	}
	if evt.URL != "" {
		fields = append(fields, zap.String("url", evt.URL))
	}
	if evt.StatusCode != 0 {
		fields = append(fields, zap.Int("status_code", evt.StatusCode))
	}
	if evt.Dur > 0 {
		fields = append(fields, zap.Duration("dur", evt.Dur))
	}
	if evt.Message != "" {
		fields = append(fields, zap.String("detail", evt.Message))
	}
	return fields
}
