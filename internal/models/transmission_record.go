package models

import "time"

type TransmissionStatus string

const (
	StatusPending   TransmissionStatus = "pending"   // Admitted, waiting for dispatch (or for its retry backoff)
	StatusInFlight  TransmissionStatus = "in_flight" // A dispatcher is currently sending it
	StatusSucceeded TransmissionStatus = "succeeded" // Delivered to the external target
	StatusFailed    TransmissionStatus = "failed"    // Skipped while the circuit was open, eligible for a later sweep
	StatusAbandoned TransmissionStatus = "abandoned" // Gave up: retries exhausted or the failure was permanent
)

// IsTerminal reports whether the status is final. Terminal records are
// retained for audit and never transitioned again.
func (s TransmissionStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusAbandoned
}

// TransmissionRecord is the durable unit of work for one detected change.
// At most one record per (account_id, item_id, fingerprint) may be pending
// or in flight at a time; the partial unique index in the schema enforces
// this, and admission relies on insert-if-absent against it.
type TransmissionRecord struct {
	ID            string             `gorm:"column:id;primaryKey"`
	AccountID     string             `gorm:"column:account_id;index"`
	ItemID        string             `gorm:"column:item_id"`
	Kind          ChangeKind         `gorm:"column:kind"`
	Status        TransmissionStatus `gorm:"column:status;index"`
	Target        string             `gorm:"column:target"`
	Fingerprint   string             `gorm:"column:fingerprint"`
	Payload       []byte             `gorm:"column:payload;type:jsonb"`
	Attempts      int                `gorm:"column:attempts"`
	NextAttemptAt *time.Time         `gorm:"column:next_attempt_at"`
	LastAttemptAt *time.Time         `gorm:"column:last_attempt_at"`
	LastError     *string            `gorm:"column:last_error"`
	CreatedAt     time.Time          `gorm:"column:created_at"`
	UpdatedAt     time.Time          `gorm:"column:updated_at"`
	ProcessedAt   *time.Time         `gorm:"column:processed_at"`
}

// TableName specifies the table name for GORM
func (TransmissionRecord) TableName() string {
	return "transmission_record"
}

// ReadyForDispatch reports whether a pending record may be dispatched now,
// honoring its retry backoff gate.
func (r *TransmissionRecord) ReadyForDispatch(now time.Time) bool {
	if r.Status != StatusPending {
		return false
	}
	return r.NextAttemptAt == nil || !now.Before(*r.NextAttemptAt)
}
