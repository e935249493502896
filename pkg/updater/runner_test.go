package updater

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/interopscore/pkg/vcs"
)

type fakeRepo struct {
	events    []string
	commitErr map[string]error
	cleanErr  error
	updateErr error
}

func (f *fakeRepo) Clean(context.Context) error {
	f.events = append(f.events, "clean")

	return f.cleanErr
}

func (f *fakeRepo) Update(context.Context) error {
	f.events = append(f.events, "update")

	return f.updateErr
}

func (f *fakeRepo) Stage(_ context.Context, paths []string) error {
	f.events = append(f.events, "stage")

	return nil
}

func (f *fakeRepo) Commit(_ context.Context, message string) error {
	f.events = append(f.events, "commit:"+message)

	return f.commitErr[message]
}

type fakeUpdater struct {
	failing map[string]error
	calls   []string
}

func (f *fakeUpdater) UpdateChannel(_ context.Context, channel string) (*CycleReport, error) {
	f.calls = append(f.calls, channel)

	report := &CycleReport{Channel: channel, State: StateDone}

	if err := f.failing[channel]; err != nil {
		report.State = StateFailed

		return report, err
	}

	return report, nil
}

type recorder struct {
	reports []*CycleReport
	errs    []error
}

func (r *recorder) ObserveCycle(report *CycleReport, err error) {
	r.reports = append(r.reports, report)
	r.errs = append(r.errs, err)
}

func TestRunner_CommitsEachChannel(t *testing.T) {
	repo := &fakeRepo{}
	up := &fakeUpdater{}
	rec := &recorder{}

	r := NewRunner(testLogger(), RunnerConfig{Channels: []string{"experimental", "stable"}}, up, repo, nil, rec)

	reports, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, reports, 2)
	assert.Equal(t, []string{"experimental", "stable"}, up.calls)
	assert.Equal(t, []string{
		"commit:Update interop score data for channel 'experimental'",
		"commit:Update interop score data for channel 'stable'",
	}, repo.events)
	assert.Len(t, rec.reports, 2)
}

func TestRunner_FailedChannelWithoutCommitOnError(t *testing.T) {
	repo := &fakeRepo{}
	boom := errors.New("boom")
	up := &fakeUpdater{failing: map[string]error{"experimental": boom}}
	rec := &recorder{}

	r := NewRunner(testLogger(), RunnerConfig{Channels: []string{"experimental", "stable"}}, up, repo, nil, rec)

	_, err := r.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "experimental")

	// The failed channel's output is discarded and the next channel still
	// runs.
	assert.Equal(t, []string{"clean", "commit:" + CommitMessage("stable")}, repo.events)
	assert.Equal(t, []error{boom, nil}, rec.errs)
}

func TestRunner_FailedChannelWithCommitOnError(t *testing.T) {
	repo := &fakeRepo{}
	boom := errors.New("boom")
	up := &fakeUpdater{failing: map[string]error{"stable": boom}}

	r := NewRunner(testLogger(), RunnerConfig{
		Channels:      []string{"stable"},
		CommitOnError: true,
	}, up, repo, nil, nil)

	_, err := r.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"commit:" + CommitMessage("stable")}, repo.events)
}

func TestRunner_NothingToCommitIsNotAnError(t *testing.T) {
	repo := &fakeRepo{commitErr: map[string]error{CommitMessage("stable"): vcs.ErrNothingToCommit}}

	r := NewRunner(testLogger(), RunnerConfig{Channels: []string{"stable"}}, &fakeUpdater{}, repo, nil, nil)

	_, err := r.Run(context.Background())
	assert.NoError(t, err)
}

func TestRunner_CleanFailureStopsRun(t *testing.T) {
	repo := &fakeRepo{cleanErr: errors.New("locked")}
	up := &fakeUpdater{failing: map[string]error{"experimental": errors.New("boom")}}

	r := NewRunner(testLogger(), RunnerConfig{Channels: []string{"experimental", "stable"}}, up, repo, nil, nil)

	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"experimental"}, up.calls)
}

func TestRunner_Prepare(t *testing.T) {
	output := &fakeRepo{}
	input := &fakeRepo{}

	r := NewRunner(testLogger(), RunnerConfig{}, &fakeUpdater{}, output, []Updatable{input}, nil)

	require.NoError(t, r.Prepare(context.Background()))
	assert.Equal(t, []string{"clean", "update"}, output.events)
	assert.Equal(t, []string{"update"}, input.events)

	input.updateErr = errors.New("offline")
	assert.Error(t, r.Prepare(context.Background()))
}

func TestRunner_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	up := &fakeUpdater{}
	r := NewRunner(testLogger(), RunnerConfig{Channels: []string{"stable"}}, up, &fakeRepo{}, nil, nil)

	_, err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, up.calls)
}
