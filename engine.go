package main

import (
	"context"
	"errors"
	"fmt"

	"clinicmail/automation"
	"clinicmail/config"
	"clinicmail/mailer"
	"clinicmail/metrics"
	"clinicmail/models"
	"clinicmail/store"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var errSMTPNotConfigured = errors.New("SMTP_HOST and FROM_EMAIL are required to send sequences")

// engine is the wired automation core shared by run and serve
type engine struct {
	store     *store.GormStore
	tracker   *automation.Tracker
	metrics   *metrics.Metrics
	runner    runner
	smtpReady bool
}

type runner interface {
	Run(ctx context.Context) (*automation.RunSummary, error)
}

// disabledRunner stands in when no transport is configured, so serve can
// still answer tracking requests
type disabledRunner struct{ err error }

func (d disabledRunner) Run(context.Context) (*automation.RunSummary, error) {
	return nil, d.err
}

// newEngine returns a usable engine alongside errSMTPNotConfigured when only
// the transport is missing
func newEngine(cfg *config.Config, db *gorm.DB) (*engine, error) {
	m := metrics.New()
	logger := logrus.NewEntry(logrus.StandardLogger())

	eng := &engine{
		store:   store.NewGormStore(db),
		tracker: automation.NewTracker(cfg.TrackingBaseURL, cfg.TrackingSecret),
		metrics: m,
		runner:  disabledRunner{err: errSMTPNotConfigured},
	}
	if !cfg.SMTPConfigured() {
		return eng, errSMTPNotConfigured
	}

	transport, err := mailer.NewSMTPTransport(mailer.Config{
		Host:      cfg.SMTP.Host,
		Port:      cfg.SMTP.Port,
		Username:  cfg.SMTP.Username,
		Password:  cfg.SMTP.Password,
		FromEmail: cfg.SMTP.FromEmail,
		FromName:  cfg.SMTP.FromName,
	})
	if err != nil {
		return eng, fmt.Errorf("failed to build SMTP transport: %w", err)
	}

	dispatcher := automation.NewDispatcher(transport, automation.DispatcherConfig{
		SendTimeout:      cfg.Automation.SendTimeout,
		FailureThreshold: uint32(cfg.Automation.BreakerThreshold),
		Cooldown:         cfg.Automation.BreakerCooldown,
	}, m, logger)

	personalizer := automation.NewPersonalizer(cfg.SiteURL, func(sub models.Subscriber) string {
		return eng.tracker.UnsubscribeURL(sub.ID)
	})

	eng.runner = automation.NewRunner(eng.store, dispatcher, personalizer, eng.tracker, automation.RunnerConfig{
		Retry: automation.RetryPolicy{
			RetryFailed: cfg.Automation.RetryFailed,
			MaxAttempts: cfg.Automation.MaxAttempts,
		},
		Metrics: m,
		Logger:  logger,
	})
	eng.smtpReady = true
	return eng, nil
}
