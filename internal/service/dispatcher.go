package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/mailwatch/mailsync-worker/internal/logging"
	"github.com/mailwatch/mailsync-worker/internal/models"
)

// Sender is the external send capability: one change payload to the
// consumer endpoint.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
	Target() string
}

// DispatchStore is the record-store surface the dispatcher needs. Every
// transition is compare-and-set on status, so two dispatchers can never
// move the same record concurrently.
type DispatchStore interface {
	MarkInFlight(ctx context.Context, recordID string) (bool, error)
	MarkSucceeded(ctx context.Context, recordID string) (bool, error)
	ScheduleRetry(ctx context.Context, recordID string, nextAttemptAt time.Time, errSummary string) (bool, error)
	MarkAbandoned(ctx context.Context, recordID string, errSummary string) (bool, error)
	MarkCircuitSkipped(ctx context.Context, recordID string, nextAttemptAt time.Time) (bool, error)
}

// BackoffPolicy computes retry delays: exponential doubling from Base,
// capped at Max, with jitter to avoid synchronized retries across records.
type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction between 0 and 1
}

// DefaultBackoffPolicy returns the standard transmission retry schedule.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:   time.Minute,
		Max:    30 * time.Minute,
		Jitter: 0.1,
	}
}

// Delay returns the backoff before the given retry. attempt is the number
// of attempts already made (>= 1).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.Base) * math.Pow(2, float64(attempt-1))
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}

	if p.Jitter > 0 {
		delay += delay * p.Jitter * (rand.Float64()*2 - 1)
	}

	return time.Duration(delay)
}

type Outcome string

const (
	OutcomeSucceeded      Outcome = "succeeded"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeAbandoned      Outcome = "abandoned"
	OutcomeCircuitOpen    Outcome = "circuit_open"
	OutcomeSkipped        Outcome = "skipped"
)

// Dispatcher sends one admitted record to the external target, applying the
// circuit breaker gate, attempt accounting, and the retry/abandon decision.
type Dispatcher struct {
	store       DispatchStore
	breakers    *BreakerRegistry
	sender      Sender
	maxAttempts int
	backoff     BackoffPolicy
}

func NewDispatcher(store DispatchStore, breakers *BreakerRegistry, sender Sender, maxAttempts int, backoff BackoffPolicy) *Dispatcher {
	return &Dispatcher{
		store:       store,
		breakers:    breakers,
		sender:      sender,
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
}

// Dispatch attempts delivery of one pending record.
func (d *Dispatcher) Dispatch(ctx context.Context, record *models.TransmissionRecord) (Outcome, error) {
	log := logging.Log.WithFields(map[string]interface{}{
		"record":  record.ID,
		"account": record.AccountID,
		"item":    record.ItemID,
		"target":  record.Target,
	})

	breaker := d.breakers.Get(record.Target)
	if !breaker.Allow() {
		// Deliberate skip, not a delivery failure: the record stays eligible
		// for the sweep once the breaker admits traffic again.
		gate := time.Now().Add(d.backoff.Base)
		if _, err := d.store.MarkCircuitSkipped(ctx, record.ID, gate); err != nil {
			return OutcomeCircuitOpen, err
		}
		log.Debug("dispatch skipped, circuit open")
		return OutcomeCircuitOpen, nil
	}

	claimed, err := d.store.MarkInFlight(ctx, record.ID)
	if err != nil {
		breaker.Release()
		return OutcomeSkipped, err
	}
	if !claimed {
		// Another dispatcher owns the record; give back the probe slot.
		breaker.Release()
		return OutcomeSkipped, nil
	}
	attempts := record.Attempts + 1

	sendErr := d.sender.Send(ctx, record.Payload)
	if sendErr == nil {
		breaker.OnSuccess()
		if _, err := d.store.MarkSucceeded(ctx, record.ID); err != nil {
			return OutcomeSucceeded, err
		}
		log.WithField("attempts", attempts).Info("change transmitted")
		return OutcomeSucceeded, nil
	}

	summary := fmt.Sprintf("attempt %d: %v", attempts, sendErr)

	if isPermanent(sendErr) {
		// The target is healthy, the payload is bad: abandon without
		// penalizing the breaker. The target did answer, so a half-open
		// probe resolves as a success.
		breaker.OnSuccess()
		if _, err := d.store.MarkAbandoned(ctx, record.ID, summary); err != nil {
			return OutcomeAbandoned, err
		}
		log.WithField("error", sendErr.Error()).Warn("transmission abandoned, permanent failure")
		return OutcomeAbandoned, nil
	}

	breaker.OnFailure()

	if attempts < d.maxAttempts {
		gate := time.Now().Add(d.backoff.Delay(attempts))
		if _, err := d.store.ScheduleRetry(ctx, record.ID, gate, summary); err != nil {
			return OutcomeRetryScheduled, err
		}
		log.WithFields(map[string]interface{}{
			"attempts":     attempts,
			"next_attempt": gate,
		}).Warn("transmission failed, retry scheduled")
		return OutcomeRetryScheduled, nil
	}

	if _, err := d.store.MarkAbandoned(ctx, record.ID, summary); err != nil {
		return OutcomeAbandoned, err
	}
	log.WithField("attempts", attempts).Warn("transmission abandoned, retries exhausted")
	return OutcomeAbandoned, nil
}

// isPermanent reports whether the error carries a permanent classification.
// Anything else, including timeouts and non-SendError failures, is treated
// as transient.
func isPermanent(err error) bool {
	var sendErr *SendError
	return errors.As(err, &sendErr) && sendErr.Kind == FailurePermanent
}
