package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mailwatch/mailsync-worker/internal/logging"
	"github.com/mailwatch/mailsync-worker/internal/models"
)

// AdmissionStore is the record-store surface the dedup filter needs.
type AdmissionStore interface {
	CreateIfAbsent(ctx context.Context, record *models.TransmissionRecord) (bool, error)
	HasDelivered(ctx context.Context, accountID, itemID, fingerprint string) (bool, error)
}

type Decision string

const (
	DecisionAdmitted   Decision = "admitted"
	DecisionDuplicate  Decision = "duplicate"
	DecisionSuperseded Decision = "superseded"
)

// Admission is the dedup filter's verdict for one change event. Record is
// set only for admitted events.
type Admission struct {
	Event    models.ChangeEvent
	Decision Decision
	Record   *models.TransmissionRecord
}

// DedupFilter admits change events into pending transmission records,
// skipping already-delivered changes and events superseded within the batch.
type DedupFilter struct {
	store  AdmissionStore
	target string
}

func NewDedupFilter(store AdmissionStore, target string) *DedupFilter {
	return &DedupFilter{
		store:  store,
		target: target,
	}
}

// Admit resolves a pulled batch into per-event decisions. Admission creates
// the pending record through a conditional insert, so two overlapping pulls
// admitting the same (account, item, fingerprint) key resolve to exactly one
// record: the loser sees a conflict and reports a duplicate.
func (f *DedupFilter) Admit(ctx context.Context, events []models.ChangeEvent) ([]Admission, error) {
	winners := make(map[string]int, len(events))
	for i, ev := range events {
		if prev, ok := winners[ev.ItemID]; ok {
			if !supersedes(ev, events[prev]) {
				continue
			}
		}
		winners[ev.ItemID] = i
	}

	admissions := make([]Admission, 0, len(events))
	for i, ev := range events {
		if winners[ev.ItemID] != i {
			admissions = append(admissions, Admission{Event: ev, Decision: DecisionSuperseded})
			continue
		}

		delivered, err := f.store.HasDelivered(ctx, ev.AccountID, ev.ItemID, ev.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("failed to check delivered records: %w", err)
		}
		if delivered {
			admissions = append(admissions, Admission{Event: ev, Decision: DecisionDuplicate})
			continue
		}

		record, err := f.buildRecord(ev)
		if err != nil {
			return nil, err
		}

		created, err := f.store.CreateIfAbsent(ctx, record)
		if err != nil {
			return nil, fmt.Errorf("failed to admit change: %w", err)
		}
		if !created {
			// A live record for this key already exists (possibly admitted
			// by a concurrent pass). Skip silently.
			admissions = append(admissions, Admission{Event: ev, Decision: DecisionDuplicate})
			continue
		}

		logging.Log.WithFields(map[string]interface{}{
			"account": ev.AccountID,
			"item":    ev.ItemID,
			"kind":    ev.Kind,
			"record":  record.ID,
		}).Debug("change admitted")

		admissions = append(admissions, Admission{Event: ev, Decision: DecisionAdmitted, Record: record})
	}

	return admissions, nil
}

// supersedes reports whether a later batch event for the same item replaces
// an earlier one. The provider's batch order is authoritative; equal
// detection timestamps fall back to kind precedence. A deletion is final and
// is never superseded by a later create or update.
func supersedes(candidate, incumbent models.ChangeEvent) bool {
	if incumbent.Kind == models.ChangeDeleted {
		return false
	}
	if candidate.Kind == models.ChangeDeleted {
		return true
	}
	if candidate.DetectedAt.Equal(incumbent.DetectedAt) {
		return candidate.Kind.Precedence() >= incumbent.Kind.Precedence()
	}
	return true
}

type changePayload struct {
	AccountID   string     `json:"account_id"`
	ItemID      string     `json:"item_id"`
	Kind        string     `json:"kind"`
	Fingerprint string     `json:"fingerprint"`
	Subject     string     `json:"subject,omitempty"`
	From        string     `json:"from,omitempty"`
	Labels      []string   `json:"labels,omitempty"`
	ReceivedAt  *time.Time `json:"received_at,omitempty"`
	DetectedAt  time.Time  `json:"detected_at"`
}

func (f *DedupFilter) buildRecord(ev models.ChangeEvent) (*models.TransmissionRecord, error) {
	payload := changePayload{
		AccountID:   ev.AccountID,
		ItemID:      ev.ItemID,
		Kind:        string(ev.Kind),
		Fingerprint: ev.Fingerprint,
		Subject:     ev.Subject,
		From:        ev.From,
		Labels:      ev.Labels,
		DetectedAt:  ev.DetectedAt,
	}
	if !ev.ReceivedAt.IsZero() {
		t := ev.ReceivedAt
		payload.ReceivedAt = &t
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode change payload: %w", err)
	}

	now := time.Now()
	return &models.TransmissionRecord{
		ID:          uuid.New().String(),
		AccountID:   ev.AccountID,
		ItemID:      ev.ItemID,
		Kind:        ev.Kind,
		Status:      models.StatusPending,
		Target:      f.target,
		Fingerprint: ev.Fingerprint,
		Payload:     raw,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}
