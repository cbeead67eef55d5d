package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"clinicmail/mailer"
	"clinicmail/metrics"
	"clinicmail/models"
	"clinicmail/utils"

	"github.com/sirupsen/logrus"
)

// ErrRunInProgress is returned when Run is called while another run in this process is active
var ErrRunInProgress = errors.New("sequence run already in progress")

// Skip reasons reported in metrics
const (
	skipAlreadySent         = "already_sent"
	skipNotTriggered        = "not_triggered"
	skipNotDue              = "not_due"
	skipTransportUnavailable = "transport_unavailable"
)

// RunnerConfig holds the optional collaborators of a Runner
type RunnerConfig struct {
	Retry   RetryPolicy
	Now     func() time.Time
	Metrics *metrics.Metrics
	Logger  *logrus.Entry
}

// DeliveryOutcome is the state one triple reached during a run
type DeliveryOutcome struct {
	Triple Triple
	State  DeliveryState
}

// RunSummary reports what one invocation did
type RunSummary struct {
	StartedAt            time.Time `json:"started_at"`
	FinishedAt           time.Time `json:"finished_at"`
	Sequences            int       `json:"sequences"`
	Emails               int       `json:"emails"`
	Subscribers          int       `json:"subscribers"`
	InvalidSubscribers   int       `json:"invalid_subscribers"`
	InvalidEmails        int       `json:"invalid_sequence_emails"`
	AlreadySent          int       `json:"already_sent"`
	NotTriggered         int       `json:"not_triggered"`
	NotDue               int       `json:"not_due"`
	Sent                 int       `json:"sent"`
	Failed               int       `json:"failed"`
	TransportUnavailable int       `json:"transport_unavailable"`
	Errors               int       `json:"errors"`

	Deliveries []DeliveryOutcome `json:"-"`
}

// Runner walks active sequences × emails × subscribers and sends what is due.
// It is safe to invoke repeatedly; the dedup guard keeps sends at most once.
type Runner struct {
	store        Store
	triggers     *TriggerRegistry
	guard        *DedupGuard
	personalizer *Personalizer
	tracker      *Tracker
	dispatcher   *Dispatcher
	metrics      *metrics.Metrics
	logger       *logrus.Entry
	now          func() time.Time

	mu sync.Mutex
}

func NewRunner(store Store, dispatcher *Dispatcher, personalizer *Personalizer, tracker *Tracker, cfg RunnerConfig) *Runner {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runner{
		store:        store,
		triggers:     NewTriggerRegistry(store),
		guard:        NewDedupGuard(store, cfg.Retry),
		personalizer: personalizer,
		tracker:      tracker,
		dispatcher:   dispatcher,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.WithField("component", "sequence-runner"),
		now:          cfg.Now,
	}
}

// Triggers exposes the registry so callers can add trigger kinds
func (r *Runner) Triggers() *TriggerRegistry {
	return r.triggers
}

// Run performs one invocation. A returned error means the run could not
// load its inputs or was cancelled; per-subscriber failures never surface here.
func (r *Runner) Run(ctx context.Context) (*RunSummary, error) {
	if !r.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.mu.Unlock()

	summary := &RunSummary{StartedAt: r.now()}
	err := r.run(ctx, summary)
	summary.FinishedAt = r.now()

	result := "ok"
	if err != nil {
		result = "error"
	}
	r.metrics.ObserveRun(result, summary.FinishedAt.Sub(summary.StartedAt))

	r.logger.WithFields(logrus.Fields{
		"sequences":   summary.Sequences,
		"subscribers": summary.Subscribers,
		"sent":        summary.Sent,
		"failed":      summary.Failed,
		"skipped":     summary.AlreadySent + summary.NotDue + summary.NotTriggered,
		"invalid":     summary.InvalidSubscribers,
	}).Info("Sequence run finished")

	return summary, err
}

func (r *Runner) run(ctx context.Context, summary *RunSummary) error {
	sequences, err := r.store.ListActiveSequences(ctx)
	if err != nil {
		return fmt.Errorf("load active sequences: %w", err)
	}
	subscribers, err := r.store.ListActiveSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("load active subscribers: %w", err)
	}

	summary.Sequences = len(sequences)
	valid := r.validSubscribers(ctx, subscribers, summary)
	summary.Subscribers = len(valid)

	for _, seq := range sequences {
		if !r.triggers.Known(seq.Trigger) {
			r.logger.WithFields(logrus.Fields{
				"sequence_id": seq.ID,
				"trigger":     seq.Trigger,
			}).Warn("Sequence has no resolver for its trigger; its emails will never schedule")
			continue
		}

		triggers := make(map[uint]*time.Time)
		for _, email := range seq.Emails {
			if err := utils.ValidateStruct(email); err != nil {
				summary.InvalidEmails++
				r.recordError(ctx, models.ErrCategoryInvalidSequenceEmail, Triple{SequenceID: seq.ID, EmailID: email.ID}, "", err)
				continue
			}
			summary.Emails++

			for _, sub := range valid {
				if err := ctx.Err(); err != nil {
					return err
				}
				r.process(ctx, seq, email, sub, triggers, summary)
			}
		}
	}
	return nil
}

func (r *Runner) validSubscribers(ctx context.Context, subscribers []models.Subscriber, summary *RunSummary) []models.Subscriber {
	valid := make([]models.Subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		if utils.ValidEmail(sub.Email) {
			// the address is validated trimmed, so it is sent trimmed
			sub.Email = strings.TrimSpace(sub.Email)
			valid = append(valid, sub)
			continue
		}
		summary.InvalidSubscribers++
		r.metrics.ObserveInvalidSubscriber()
		r.logger.WithFields(logrus.Fields{
			"subscriber_id": sub.ID,
			"email":         sub.Email,
		}).Warn("Skipping subscriber with invalid email address")
		r.recordError(ctx, models.ErrCategoryInvalidEmail, Triple{SubscriberID: sub.ID}, sub.Email,
			fmt.Errorf("invalid email address %q", sub.Email))
	}
	return valid
}

// process moves one triple as far as it can go this run
func (r *Runner) process(ctx context.Context, seq models.Sequence, email models.SequenceEmail, sub models.Subscriber, triggers map[uint]*time.Time, summary *RunSummary) {
	t := Triple{SequenceID: seq.ID, EmailID: email.ID, SubscriberID: sub.ID}

	sent, err := r.guard.HasBeenSent(ctx, t)
	if err != nil {
		summary.Errors++
		r.recordError(ctx, models.ErrCategoryStore, t, sub.Email, err)
		return
	}
	if sent {
		summary.AlreadySent++
		r.metrics.ObserveSkip(skipAlreadySent)
		return
	}

	trigger, cached := triggers[sub.ID]
	if !cached {
		trigger, err = r.triggers.Resolve(ctx, seq, sub)
		if err != nil {
			summary.Errors++
			r.recordError(ctx, models.ErrCategoryStore, t, sub.Email, err)
			return
		}
		triggers[sub.ID] = trigger
	}
	if trigger == nil {
		summary.NotTriggered++
		r.metrics.ObserveSkip(skipNotTriggered)
		return
	}
	if !IsEligible(trigger, email.TotalDelayHours(), r.now()) {
		summary.NotDue++
		r.metrics.ObserveSkip(skipNotDue)
		return
	}

	if !r.dispatcher.Available() {
		summary.TransportUnavailable++
		r.metrics.ObserveSkip(skipTransportUnavailable)
		if summary.TransportUnavailable == 1 {
			r.recordError(ctx, models.ErrCategoryTransportUnavailable, Triple{}, "",
				errors.New("transport circuit breaker open; due deliveries deferred to the next run"))
		}
		return
	}

	log, err := r.guard.Claim(ctx, t)
	if errors.Is(err, ErrAlreadyClaimed) {
		summary.AlreadySent++
		r.metrics.ObserveSkip(skipAlreadySent)
		return
	}
	if err != nil {
		summary.Errors++
		r.recordError(ctx, models.ErrCategoryStore, t, sub.Email, err)
		return
	}

	state := r.deliver(ctx, email, sub, log)
	switch state.(type) {
	case Sent:
		summary.Sent++
	case Failed:
		summary.Failed++
	}
	r.metrics.ObserveDelivery(string(state.Status()))
	summary.Deliveries = append(summary.Deliveries, DeliveryOutcome{Triple: t, State: state})
}

// deliver renders and sends a claimed triple, then records the outcome
func (r *Runner) deliver(ctx context.Context, email models.SequenceEmail, sub models.Subscriber, log *models.DeliveryLog) DeliveryState {
	html := r.personalizer.Render(email.Content, sub)
	msg := mailer.Message{
		To:             sub.Email,
		Subject:        r.personalizer.Render(email.Subject, sub),
		HTML:           r.tracker.Inject(html, log.ID, sub.ID),
		Text:           r.personalizer.Render(email.TextContent, sub),
		UnsubscribeURL: r.tracker.UnsubscribeURL(sub.ID),
	}

	fields := logrus.Fields{
		"delivery_log_id": log.ID,
		"sequence_id":     log.SequenceID,
		"email_id":        log.EmailID,
		"subscriber_id":   sub.ID,
	}

	// outcome writes must land even if the run is being cancelled
	writeCtx := context.WithoutCancel(ctx)

	messageID, err := r.dispatcher.Send(ctx, msg)
	if err != nil {
		reason := err.Error()
		failure := models.DeliveryFailure{Reason: reason, OutcomeUnknown: sendAbandoned(err)}
		if uerr := r.store.MarkDeliveryFailed(writeCtx, log.ID, failure); uerr != nil {
			r.logger.WithFields(fields).WithError(uerr).Error("Failed to mark delivery failed")
		}
		r.recordError(writeCtx, models.ErrCategorySendFailed, Triple{SequenceID: log.SequenceID, EmailID: log.EmailID, SubscriberID: sub.ID}, sub.Email, err)
		utils.LogError("sequence_send_failed", err, fields)
		return Failed{LogID: log.ID, Reason: reason}
	}

	if err := r.store.MarkDeliverySent(writeCtx, log.ID, messageID, r.now()); err != nil {
		// the row stays "sending", which still blocks a resend
		r.logger.WithFields(fields).WithError(err).Error("Email sent but delivery log not updated")
	}
	r.logger.WithFields(fields).WithField("message_id", messageID).Info("Sequence email sent")
	return Sent{LogID: log.ID, MessageID: messageID}
}

// sendAbandoned is true when the transport call was cut short rather than refused
func sendAbandoned(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func (r *Runner) recordError(ctx context.Context, category string, t Triple, email string, err error) {
	entry := &models.AutomationError{
		Category:     category,
		SequenceID:   t.SequenceID,
		EmailID:      t.EmailID,
		SubscriberID: t.SubscriberID,
		Email:        email,
		Message:      err.Error(),
		LastSeenAt:   r.now(),
	}
	if rerr := r.store.RecordError(ctx, entry); rerr != nil {
		r.logger.WithError(rerr).WithField("category", category).Error("Failed to record automation error")
	}
}
