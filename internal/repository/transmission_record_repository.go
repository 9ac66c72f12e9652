package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/mailwatch/mailsync-worker/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TransmissionRecordRepository struct {
	db *gorm.DB
}

func NewTransmissionRecordRepository(db *gorm.DB) *TransmissionRecordRepository {
	return &TransmissionRecordRepository{db: db}
}

// CreateIfAbsent inserts the record unless a live record for the same
// (account, item, fingerprint) already exists. Returns false when the
// partial unique index rejected the insert, which is how two overlapping
// admission attempts resolve to exactly one record.
func (r *TransmissionRecordRepository) CreateIfAbsent(ctx context.Context, record *models.TransmissionRecord) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create transmission record: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// HasDelivered reports whether a succeeded record already exists for the key.
// Live (pending/in_flight) records are handled by the unique index instead.
func (r *TransmissionRecordRepository) HasDelivered(ctx context.Context, accountID, itemID, fingerprint string) (bool, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.TransmissionRecord{}).
		Where("account_id = ? AND item_id = ? AND fingerprint = ? AND status = ?",
			accountID, itemID, fingerprint, models.StatusSucceeded).
		Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("failed to check delivered records: %w", result.Error)
	}
	return count > 0, nil
}

// MarkInFlight transitions pending -> in_flight, incrementing the attempt
// counter and stamping the attempt time. Compare-and-set on status: returns
// false if another dispatcher already claimed the record.
func (r *TransmissionRecordRepository) MarkInFlight(ctx context.Context, recordID string) (bool, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.TransmissionRecord{}).
		Where("id = ? AND status = ?", recordID, models.StatusPending).
		Updates(map[string]interface{}{
			"status":          models.StatusInFlight,
			"attempts":        gorm.Expr("attempts + 1"),
			"last_attempt_at": now,
			"next_attempt_at": nil,
			"updated_at":      now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark record in flight: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// MarkSucceeded transitions in_flight -> succeeded.
func (r *TransmissionRecordRepository) MarkSucceeded(ctx context.Context, recordID string) (bool, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.TransmissionRecord{}).
		Where("id = ? AND status = ?", recordID, models.StatusInFlight).
		Updates(map[string]interface{}{
			"status":       models.StatusSucceeded,
			"last_error":   nil,
			"processed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark record succeeded: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ScheduleRetry transitions in_flight -> pending with a backoff gate, after
// a retryable failure that has attempts left.
func (r *TransmissionRecordRepository) ScheduleRetry(ctx context.Context, recordID string, nextAttemptAt time.Time, errSummary string) (bool, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.TransmissionRecord{}).
		Where("id = ? AND status = ?", recordID, models.StatusInFlight).
		Updates(map[string]interface{}{
			"status":          models.StatusPending,
			"next_attempt_at": nextAttemptAt,
			"last_error":      errSummary,
			"updated_at":      now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to schedule retry: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// MarkAbandoned transitions in_flight -> abandoned: retries exhausted or the
// failure was permanent. The record is retained for operator triage.
func (r *TransmissionRecordRepository) MarkAbandoned(ctx context.Context, recordID string, errSummary string) (bool, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.TransmissionRecord{}).
		Where("id = ? AND status = ?", recordID, models.StatusInFlight).
		Updates(map[string]interface{}{
			"status":       models.StatusAbandoned,
			"last_error":   errSummary,
			"processed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark record abandoned: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// MarkCircuitSkipped transitions pending -> failed when the breaker for the
// record's target is open. The attempt is not counted; the retry sweep
// requeues the record once the gate passes.
func (r *TransmissionRecordRepository) MarkCircuitSkipped(ctx context.Context, recordID string, nextAttemptAt time.Time) (bool, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.TransmissionRecord{}).
		Where("id = ? AND status = ?", recordID, models.StatusPending).
		Updates(map[string]interface{}{
			"status":          models.StatusFailed,
			"next_attempt_at": nextAttemptAt,
			"last_error":      "circuit_open",
			"updated_at":      now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark record circuit-skipped: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// GetDispatchable retrieves pending records for one account whose backoff
// gate has passed, oldest first.
func (r *TransmissionRecordRepository) GetDispatchable(ctx context.Context, accountID string, limit int) ([]models.TransmissionRecord, error) {
	var records []models.TransmissionRecord
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, models.StatusPending).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", time.Now()).
		Order("created_at ASC").
		Limit(limit).
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query dispatchable records: %w", result.Error)
	}
	return records, nil
}

// GetDueFailed retrieves failed (circuit-skipped) records whose backoff
// gate has passed, oldest first.
func (r *TransmissionRecordRepository) GetDueFailed(ctx context.Context) ([]models.TransmissionRecord, error) {
	var records []models.TransmissionRecord
	result := r.db.WithContext(ctx).
		Where("status = ?", models.StatusFailed).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", time.Now()).
		Order("created_at ASC").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query due failed records: %w", result.Error)
	}
	return records, nil
}

// RequeueFailed transitions one failed record back to pending, unless a
// live record for the same (account, item, fingerprint) key already
// exists. The guard keeps the requeue from colliding with the dedup index
// when a cursor reset re-admitted the same change while this record sat
// failed. Returns false when the record was not requeued.
func (r *TransmissionRecordRepository) RequeueFailed(ctx context.Context, recordID string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.TransmissionRecord{}).
		Where("id = ? AND status = ?", recordID, models.StatusFailed).
		Where(`NOT EXISTS (
			SELECT 1 FROM transmission_record live
			WHERE live.account_id = transmission_record.account_id
			  AND live.item_id = transmission_record.item_id
			  AND live.fingerprint = transmission_record.fingerprint
			  AND live.status IN ('pending', 'in_flight'))`).
		Updates(map[string]interface{}{
			"status":     models.StatusPending,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to requeue record: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// AbandonFailed transitions failed -> abandoned for a record whose change
// is already covered by a newer live record.
func (r *TransmissionRecordRepository) AbandonFailed(ctx context.Context, recordID string, errSummary string) (bool, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.TransmissionRecord{}).
		Where("id = ? AND status = ?", recordID, models.StatusFailed).
		Updates(map[string]interface{}{
			"status":       models.StatusAbandoned,
			"last_error":   errSummary,
			"processed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to abandon record: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ReapStaleInFlight resets records stuck in_flight past the staleness
// threshold (a crashed or cancelled pass) back to pending.
func (r *TransmissionRecordRepository) ReapStaleInFlight(ctx context.Context, staleAfter time.Duration) (int64, error) {
	now := time.Now()
	cutoff := now.Add(-staleAfter)
	result := r.db.WithContext(ctx).Model(&models.TransmissionRecord{}).
		Where("status = ? AND last_attempt_at < ?", models.StatusInFlight, cutoff).
		Updates(map[string]interface{}{
			"status":     models.StatusPending,
			"last_error": "reaped: stale in_flight",
			"updated_at": now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reap stale in-flight records: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CountByStatus returns record counts per status for operator visibility.
func (r *TransmissionRecordRepository) CountByStatus(ctx context.Context) (map[models.TransmissionStatus]int64, error) {
	type row struct {
		Status models.TransmissionStatus
		N      int64
	}
	var rows []row
	result := r.db.WithContext(ctx).Model(&models.TransmissionRecord{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to count records by status: %w", result.Error)
	}

	counts := make(map[models.TransmissionStatus]int64, len(rows))
	for _, res := range rows {
		counts[res.Status] = res.N
	}
	return counts, nil
}

// GetAbandoned retrieves abandoned records with their last error summary,
// newest first, for triage.
func (r *TransmissionRecordRepository) GetAbandoned(ctx context.Context, accountID string, limit int) ([]models.TransmissionRecord, error) {
	q := r.db.WithContext(ctx).Where("status = ?", models.StatusAbandoned)
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}

	var records []models.TransmissionRecord
	result := q.Order("processed_at DESC").Limit(limit).Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query abandoned records: %w", result.Error)
	}
	return records, nil
}
