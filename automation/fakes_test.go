package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"clinicmail/mailer"
	"clinicmail/models"
)

// memStore is an in-memory Store with the same conflict semantics as the gorm store
type memStore struct {
	mu sync.Mutex

	sequences   []models.Sequence
	subscribers []models.Subscriber
	contacts    []models.ContactSubmission
	purchases   []models.Purchase

	logs    map[Triple]*models.DeliveryLog
	history map[string][]models.DeliveryStatus
	errors  map[string]*models.AutomationError

	failListSequences bool
	failInsert        error
}

func newMemStore() *memStore {
	return &memStore{
		logs:    make(map[Triple]*models.DeliveryLog),
		history: make(map[string][]models.DeliveryStatus),
		errors:  make(map[string]*models.AutomationError),
	}
}

func (s *memStore) ListActiveSequences(ctx context.Context) ([]models.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failListSequences {
		return nil, errors.New("relation \"sequences\" does not exist")
	}
	var out []models.Sequence
	for _, seq := range s.sequences {
		if seq.Status == models.SequenceStatusActive {
			out = append(out, seq)
		}
	}
	return out, nil
}

func (s *memStore) ListActiveSubscribers(ctx context.Context) ([]models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Subscriber
	for _, sub := range s.subscribers {
		if sub.Status == models.SubscriberStatusActive {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *memStore) FindDeliveryLog(ctx context.Context, t Triple) (*models.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[t]
	if !ok {
		return nil, nil
	}
	return cloneLog(log), nil
}

func (s *memStore) InsertDeliveryLog(ctx context.Context, log *models.DeliveryLog) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert != nil {
		return false, s.failInsert
	}
	t := Triple{SequenceID: log.SequenceID, EmailID: log.EmailID, SubscriberID: log.SubscriberID}
	if _, exists := s.logs[t]; exists {
		return false, nil
	}
	s.logs[t] = cloneLog(log)
	s.history[log.ID] = append(s.history[log.ID], log.Status)
	return true, nil
}

func (s *memStore) ReclaimFailedDelivery(ctx context.Context, id string, attempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.byID(id)
	if log == nil || log.Status != models.DeliveryFailed {
		return false, nil
	}
	log.Status = models.DeliverySending
	log.Metadata[models.DeliveryMetaAttempts] = attempts
	s.history[id] = append(s.history[id], log.Status)
	return true, nil
}

func (s *memStore) MarkDeliverySent(ctx context.Context, id string, messageID string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.byID(id)
	if log == nil {
		return fmt.Errorf("delivery %s not found", id)
	}
	log.Status = models.DeliverySent
	log.SentAt = &sentAt
	log.Metadata[models.DeliveryMetaMessageID] = messageID
	delete(log.Metadata, models.DeliveryMetaError)
	s.history[id] = append(s.history[id], log.Status)
	return nil
}

func (s *memStore) MarkDeliveryFailed(ctx context.Context, id string, failure models.DeliveryFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.byID(id)
	if log == nil {
		return fmt.Errorf("delivery %s not found", id)
	}
	log.Status = models.DeliveryFailed
	log.Metadata[models.DeliveryMetaError] = failure.Reason
	if failure.OutcomeUnknown {
		log.Metadata[models.DeliveryMetaOutcomeUnknown] = true
	} else {
		delete(log.Metadata, models.DeliveryMetaOutcomeUnknown)
	}
	s.history[id] = append(s.history[id], log.Status)
	return nil
}

func (s *memStore) LatestContactSubmission(ctx context.Context, email string) (*models.ContactSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.ContactSubmission
	for i := range s.contacts {
		c := s.contacts[i]
		if !strings.EqualFold(c.Email, email) {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = &c
		}
	}
	return latest, nil
}

func (s *memStore) LatestPurchase(ctx context.Context, email string) (*models.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Purchase
	for i := range s.purchases {
		p := s.purchases[i]
		if !strings.EqualFold(p.Email, email) {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = &p
		}
	}
	return latest, nil
}

func (s *memStore) RecordError(ctx context.Context, e *models.AutomationError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s/%d/%d/%d", e.Category, e.SequenceID, e.EmailID, e.SubscriberID)
	if existing, ok := s.errors[key]; ok {
		existing.Occurrences++
		existing.Message = e.Message
		return nil
	}
	cp := *e
	cp.Occurrences = 1
	s.errors[key] = &cp
	return nil
}

func (s *memStore) byID(id string) *models.DeliveryLog {
	for _, log := range s.logs {
		if log.ID == id {
			return log
		}
	}
	return nil
}

func (s *memStore) logCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs)
}

func (s *memStore) logFor(t Triple) *models.DeliveryLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log, ok := s.logs[t]; ok {
		return cloneLog(log)
	}
	return nil
}

func (s *memStore) errorsIn(category string) []models.AutomationError {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AutomationError
	for _, e := range s.errors {
		if e.Category == category {
			out = append(out, *e)
		}
	}
	return out
}

func cloneLog(log *models.DeliveryLog) *models.DeliveryLog {
	cp := *log
	cp.Metadata = make(map[string]interface{}, len(log.Metadata))
	for k, v := range log.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// fakeTransport records every message and fails for configured recipients
type fakeTransport struct {
	mu     sync.Mutex
	sent   []mailer.Message
	failTo map[string]error
	block  chan struct{}
	calls  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failTo: make(map[string]error)}
}

func (f *fakeTransport) Send(ctx context.Context, msg mailer.Message) (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	block := f.block
	err := f.failTo[msg.To]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return fmt.Sprintf("<msg-%d@clinic.test>", n), nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTransport) messages() []mailer.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mailer.Message(nil), f.sent...)
}
