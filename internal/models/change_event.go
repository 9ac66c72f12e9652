package models

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Precedence orders change kinds for supersession within a batch.
// A deletion always wins over any other change for the same item.
func (k ChangeKind) Precedence() int {
	switch k {
	case ChangeDeleted:
		return 3
	case ChangeUpdated:
		return 2
	case ChangeCreated:
		return 1
	default:
		return 0
	}
}

// ChangeEvent is one detected mutation on a mailbox item. Events are
// transient: they exist only between a pull and their admission into a
// TransmissionRecord.
type ChangeEvent struct {
	AccountID   string
	ItemID      string
	Kind        ChangeKind
	Fingerprint string
	Subject     string
	From        string
	Labels      []string
	ReceivedAt  time.Time
	DetectedAt  time.Time
}

// Fingerprint computes the stable content hash used for dedup lookups.
// Labels are sorted so that provider ordering does not change the hash.
func Fingerprint(accountID, itemID string, kind ChangeKind, labels []string) string {
	sorted := make([]string, len(labels))
	copy(sorted, labels)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(accountID))
	h.Write([]byte{0})
	h.Write([]byte(itemID))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(h.Sum(nil))
}
