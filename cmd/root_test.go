package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/magnet-crawler/internal/config"
	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

type fakeApp struct {
	ran     bool
	closed  int
	jobID   string
	record  crawler.RunRecord
	runErr  error
	serveFn func(ctx context.Context) error
}

func (f *fakeApp) Run(ctx context.Context) error {
	f.ran = true
	if f.serveFn != nil {
		return f.serveFn(ctx)
	}
	return nil
}

func (f *fakeApp) RunOnce(_ context.Context, jobID string) (crawler.RunRecord, error) {
	f.jobID = jobID
	return f.record, f.runErr
}

func (f *fakeApp) Close(context.Context) error {
	f.closed++
	return nil
}

// withFakes swaps the package factories; tests using it must not run in
// parallel.
func withFakes(t *testing.T, app *fakeApp, loadErr error) *string {
	t.Helper()
	var loadedPath string
	origApp, origLoad := newApp, loadConfig
	newApp = func(context.Context, config.Config) (App, error) { return app, nil }
	loadConfig = func(path string) (config.Config, error) {
		loadedPath = path
		return config.Config{}, loadErr
	}
	t.Cleanup(func() { newApp, loadConfig = origApp, origLoad })
	return &loadedPath
}

func TestServeRunsApp(t *testing.T) {
	app := &fakeApp{}
	path := withFakes(t, app, nil)

	root := newRootCmd()
	root.SetArgs([]string{"serve", "--config", "crawler.yaml"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	require.True(t, app.ran)
	require.Equal(t, 1, app.closed)
	require.Equal(t, "crawler.yaml", *path)
}

func TestRunPrintsRecord(t *testing.T) {
	app := &fakeApp{record: crawler.RunRecord{
		JobID:   "demo",
		RunID:   "run-1",
		Outcome: crawler.RunCompleted,
		Summary: crawler.RunSummary{Accepted: 2},
	}}
	withFakes(t, app, nil)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"run", "demo"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	require.Equal(t, "demo", app.jobID)
	require.Contains(t, out.String(), `"run_id": "run-1"`)
	require.Contains(t, out.String(), `"accepted": 2`)
}

func TestRunReportsFailedRun(t *testing.T) {
	app := &fakeApp{
		record: crawler.RunRecord{JobID: "demo", RunID: "run-2", Outcome: crawler.RunFailed, Error: "site down"},
		runErr: crawler.ErrSiteUnavailable,
	}
	withFakes(t, app, nil)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"run", "demo"})
	err := root.ExecuteContext(context.Background())
	require.ErrorIs(t, err, crawler.ErrSiteUnavailable)
	require.Contains(t, out.String(), `"outcome": "failed"`)
}

func TestRunRequiresJobID(t *testing.T) {
	withFakes(t, &fakeApp{}, nil)

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run"})
	require.Error(t, root.ExecuteContext(context.Background()))
}

func TestConfigErrorStopsStartup(t *testing.T) {
	app := &fakeApp{}
	withFakes(t, app, errors.New("bad yaml"))

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"serve"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "bad yaml")
	require.False(t, app.ran)
}
