package service

import (
	"context"
	"time"

	"github.com/mailwatch/mailsync-worker/internal/logging"
	"github.com/mailwatch/mailsync-worker/internal/models"
)

// SweepStore is the record-store surface the sweeper needs.
type SweepStore interface {
	GetDueFailed(ctx context.Context) ([]models.TransmissionRecord, error)
	RequeueFailed(ctx context.Context, recordID string) (bool, error)
	AbandonFailed(ctx context.Context, recordID string, errSummary string) (bool, error)
	ReapStaleInFlight(ctx context.Context, staleAfter time.Duration) (int64, error)
	CountByStatus(ctx context.Context) (map[models.TransmissionStatus]int64, error)
}

// Sweeper re-queues circuit-skipped records whose backoff gate has passed
// and reaps records left in_flight by a cancelled or crashed pass, so no
// record stays permanently stuck.
type Sweeper struct {
	store      SweepStore
	staleAfter time.Duration
}

func NewSweeper(store SweepStore, staleAfter time.Duration) *Sweeper {
	return &Sweeper{
		store:      store,
		staleAfter: staleAfter,
	}
}

// Run executes one sweep and logs per-status record counts.
func (s *Sweeper) Run(ctx context.Context) error {
	due, err := s.store.GetDueFailed(ctx)
	if err != nil {
		return err
	}

	// Requeue one record at a time: a failed record whose change was
	// re-admitted while it sat failed would collide with the dedup index,
	// so the store refuses it and the redundant record is abandoned
	// instead of wedging the whole sweep.
	var requeued, superseded int64
	for i := range due {
		ok, err := s.store.RequeueFailed(ctx, due[i].ID)
		if err != nil {
			return err
		}
		if ok {
			requeued++
			continue
		}

		abandoned, err := s.store.AbandonFailed(ctx, due[i].ID, "superseded by a newer record for the same change")
		if err != nil {
			return err
		}
		if abandoned {
			superseded++
		}
	}
	if requeued > 0 {
		logging.Log.WithField("count", requeued).Info("requeued failed records")
	}
	if superseded > 0 {
		logging.Log.WithField("count", superseded).Info("abandoned superseded failed records")
	}

	reaped, err := s.store.ReapStaleInFlight(ctx, s.staleAfter)
	if err != nil {
		return err
	}
	if reaped > 0 {
		logging.Log.WithField("count", reaped).Warn("reaped stale in-flight records")
	}

	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return err
	}
	if len(counts) > 0 {
		fields := make(map[string]interface{}, len(counts))
		for status, n := range counts {
			fields[string(status)] = n
		}
		logging.Log.WithFields(fields).Info("transmission record counts")
	}

	return nil
}
