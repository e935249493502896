package updater

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/interopscore/pkg/vcs"
)

// Recorder observes finished cycles.
type Recorder interface {
	ObserveCycle(report *CycleReport, err error)
}

// Updatable is a repository that can be brought up to date.
type Updatable interface {
	Update(ctx context.Context) error
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Channels []string
	// CommitOnError commits what a failed cycle staged before failing.
	CommitOnError bool
}

// Runner processes channels one after another, committing the output of
// each channel separately.
type Runner struct {
	log      logrus.FieldLogger
	cfg      RunnerConfig
	updater  ChannelUpdater
	output   vcs.Repository
	inputs   []Updatable
	recorder Recorder
}

// NewRunner creates a runner. output is the repository the cycles write
// to; inputs are the read-only repositories refreshed before the first
// cycle. recorder may be nil.
func NewRunner(
	log logrus.FieldLogger,
	cfg RunnerConfig,
	updater ChannelUpdater,
	output vcs.Repository,
	inputs []Updatable,
	recorder Recorder,
) *Runner {
	return &Runner{
		log:      log.WithField("component", "runner"),
		cfg:      cfg,
		updater:  updater,
		output:   output,
		inputs:   inputs,
		recorder: recorder,
	}
}

// CommitMessage is the commit message of a channel's cycle.
func CommitMessage(channel string) string {
	return fmt.Sprintf("Update interop score data for channel '%s'", channel)
}

// Prepare discards uncommitted output and updates every repository.
func (r *Runner) Prepare(ctx context.Context) error {
	if err := r.output.Clean(ctx); err != nil {
		return fmt.Errorf("cleaning output repository: %w", err)
	}

	for _, repo := range append(r.inputs, r.output) {
		if err := repo.Update(ctx); err != nil {
			return fmt.Errorf("updating repository: %w", err)
		}
	}

	return nil
}

// Run executes one cycle per channel. A failed channel does not stop the
// remaining channels; the first error is returned after all of them ran.
// Without CommitOnError the output of a failed channel is discarded.
func (r *Runner) Run(ctx context.Context) ([]*CycleReport, error) {
	reports := make([]*CycleReport, 0, len(r.cfg.Channels))

	var firstErr error

	for _, channel := range r.cfg.Channels {
		if err := ctx.Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}

			break
		}

		log := r.log.WithField("channel", channel)

		report, err := r.updater.UpdateChannel(ctx, channel)
		if report != nil {
			reports = append(reports, report)
		}

		if r.recorder != nil && report != nil {
			r.recorder.ObserveCycle(report, err)
		}

		if err != nil {
			log.WithError(err).Error("Channel update failed")

			if firstErr == nil {
				firstErr = fmt.Errorf("channel %s: %w", channel, err)
			}

			if !r.cfg.CommitOnError {
				// Drop the partial output so it is not committed with the
				// next channel.
				if cleanErr := r.output.Clean(ctx); cleanErr != nil {
					log.WithError(cleanErr).Error("Discarding partial results failed")

					break
				}

				continue
			}

			log.Warn("Committing partial results")
		}

		if err := r.commit(ctx, channel); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return reports, firstErr
}

func (r *Runner) commit(ctx context.Context, channel string) error {
	err := r.output.Commit(ctx, CommitMessage(channel))
	if errors.Is(err, vcs.ErrNothingToCommit) {
		r.log.WithField("channel", channel).Info("Nothing to commit")

		return nil
	}

	if err != nil {
		return fmt.Errorf("committing channel %s: %w", channel, err)
	}

	return nil
}
