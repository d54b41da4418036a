package progress

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRunLoggerMirrorsToBus(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	out := &recordingEmitter{}
	logger := NewRunLogger(zap.New(core), out, "job-1", "run-1")

	logger.Warn("page failed", zap.String("url", "https://x/1"), zap.Error(errors.New("boom")))
	logger.Progress(Event{Stage: StagePageFetched, Site: "x"})

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	require.Equal(t, "page failed", entry.Message)
	require.Equal(t, "job-1", entry.ContextMap()["job_id"])

	require.Len(t, out.events, 2)
	logEvt := out.events[0]
	require.Equal(t, TypeLog, logEvt.Type)
	require.Equal(t, LevelWarn, logEvt.Level)
	require.Equal(t, "run-1", logEvt.RunID)
	require.Equal(t, "https://x/1", logEvt.Fields["url"])
	require.Equal(t, "boom", logEvt.Fields["error"])

	progressEvt := out.events[1]
	require.Equal(t, TypeProgress, progressEvt.Type)
	require.Equal(t, "job-1", progressEvt.JobID)
}
