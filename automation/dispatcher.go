package automation

import (
	"context"
	"fmt"
	"time"

	"clinicmail/mailer"
	"clinicmail/metrics"

	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"
)

// Transport is the outbound email provider
type Transport interface {
	Send(ctx context.Context, msg mailer.Message) (string, error)
}

// SendError wraps a transport failure for one recipient
type SendError struct {
	To  string
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.To, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// DispatcherConfig tunes timeouts and the circuit breaker
type DispatcherConfig struct {
	// SendTimeout bounds a single transport call
	SendTimeout time.Duration
	// FailureThreshold consecutive failures open the breaker
	FailureThreshold uint32
	// Cooldown is how long the breaker stays open before probing
	Cooldown time.Duration
}

// DefaultDispatcherConfig returns conservative defaults
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		SendTimeout:      30 * time.Second,
		FailureThreshold: 5,
		Cooldown:         2 * time.Minute,
	}
}

// Dispatcher hands rendered messages to the transport
type Dispatcher struct {
	transport Transport
	breaker   *gobreaker.CircuitBreaker[string]
	timeout   time.Duration
}

func NewDispatcher(transport Transport, cfg DispatcherConfig, m *metrics.Metrics, logger *logrus.Entry) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	settings := gobreaker.Settings{
		Name:        "email-transport",
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Transport circuit breaker changed state")
			m.SetBreakerOpen(to == gobreaker.StateOpen)
		},
	}

	return &Dispatcher{
		transport: transport,
		breaker:   gobreaker.NewCircuitBreaker[string](settings),
		timeout:   cfg.SendTimeout,
	}
}

// Send delivers msg and returns the provider message id
func (d *Dispatcher) Send(ctx context.Context, msg mailer.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	id, err := d.breaker.Execute(func() (string, error) {
		return d.transport.Send(ctx, msg)
	})
	if err != nil {
		return "", &SendError{To: msg.To, Err: err}
	}
	return id, nil
}

// Available is false while the breaker is open
func (d *Dispatcher) Available() bool {
	return d.breaker.State() != gobreaker.StateOpen
}
