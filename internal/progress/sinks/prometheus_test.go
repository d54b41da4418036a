package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/magnet-crawler/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{Type: progress.TypeJobState, JobID: "j", RunID: "r", TS: now, State: "running"},
		{
			Type:       progress.TypeProgress,
			JobID:      "j",
			RunID:      "r",
			TS:         now,
			Stage:      progress.StagePageFetched,
			Site:       "forum.example",
			StatusCode: 200,
			Dur:        200 * time.Millisecond,
		},
		{Type: progress.TypeProgress, TS: now, Stage: progress.StagePageFailed, Site: "forum.example", StatusCode: 503},
		{Type: progress.TypeProgress, TS: now, Stage: progress.StageItemDiscovered, Site: "forum.example"},
		{Type: progress.TypeProgress, TS: now, Stage: progress.StageItemDuplicate, Site: "forum.example"},
		{Type: progress.TypeProgress, TS: now, Stage: progress.StageDownloadAccepted},
		{Type: progress.TypeLog, TS: now, Message: "ignored"},
		{Type: progress.TypeJobState, JobID: "j", RunID: "r", TS: now, State: "completed", Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsFinished.WithLabelValues("completed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.fetches.WithLabelValues("forum.example", "2xx")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.fetches.WithLabelValues("forum.example", "5xx")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("forum.example", "item_duplicate")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.downloads.WithLabelValues("accepted")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "magnet_run_duration_seconds"))
}

func TestPrometheusSinkRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
