package worker

import (
	"context"
	"errors"
	"time"

	"clinicmail/automation"

	"github.com/sirupsen/logrus"
)

// SequenceRunner is the single invocation the worker repeats
type SequenceRunner interface {
	Run(ctx context.Context) (*automation.RunSummary, error)
}

// AutomationWorker calls the runner on a fixed interval. It adds no state of
// its own; each tick is the same parameterless invocation cron would make.
type AutomationWorker struct {
	Runner       SequenceRunner
	Interval     time.Duration
	InitialDelay time.Duration
	Logger       *logrus.Entry
}

func NewAutomationWorker(runner SequenceRunner, interval time.Duration, logger *logrus.Entry) *AutomationWorker {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &AutomationWorker{
		Runner:       runner,
		Interval:     interval,
		InitialDelay: 10 * time.Second,
		Logger:       logger.WithField("component", "automation-worker"),
	}
}

func (aw *AutomationWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	select {
	case <-ctx.Done():
		return
	case <-time.After(aw.InitialDelay):
	}

	aw.Logger.WithField("interval", aw.Interval.String()).Info("Automation worker started")
	aw.runOnce(ctx)

	ticker := time.NewTicker(aw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			aw.Logger.Info("Automation worker shutting down")
			return
		case <-ticker.C:
			aw.runOnce(ctx)
		}
	}
}

func (aw *AutomationWorker) runOnce(ctx context.Context) {
	summary, err := aw.Runner.Run(ctx)
	switch {
	case errors.Is(err, automation.ErrRunInProgress):
		aw.Logger.Info("Previous sequence run still in progress; skipping tick")
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		aw.Logger.WithError(err).Error("Sequence run failed")
	default:
		aw.Logger.WithFields(logrus.Fields{
			"sent":   summary.Sent,
			"failed": summary.Failed,
		}).Debug("Sequence run tick complete")
	}
}
