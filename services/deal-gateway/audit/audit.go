package audit

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"lukechampine.com/blake3"

	"investchain/observability/logging"
	"investchain/services/deal-gateway/models"
)

// Recorder appends tamper-evident audit events. Each row's hash commits to
// the previous row's hash, so truncation or in-place edits break the chain.
type Recorder struct {
	mu       sync.Mutex
	db       *gorm.DB
	lastHash string
}

// NewRecorder loads the current chain head and returns a recorder bound to
// the database.
func NewRecorder(db *gorm.DB) (*Recorder, error) {
	r := &Recorder{db: db}
	var head models.AuditEvent
	err := db.Order("created_at DESC").First(&head).Error
	switch {
	case err == nil:
		r.lastHash = head.Hash
	case err == gorm.ErrRecordNotFound:
		// Empty chain starts from the zero hash.
	default:
		return nil, fmt.Errorf("audit: load chain head: %w", err)
	}
	return r, nil
}

// Entry describes a single auditable action. Details should already exclude
// investor PII; Record additionally masks the actor when it is not an
// allowlisted key.
type Entry struct {
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	Outcome    string
	Details    string
}

func chainHash(prev string, e Entry, at time.Time) string {
	h := blake3.New(32, nil)
	h.Write([]byte(prev))
	for _, part := range []string{e.Actor, e.Action, e.EntityType, e.EntityID, e.Outcome, e.Details, at.UTC().Format(time.RFC3339Nano)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Record appends the entry to the chain.
func (r *Recorder) Record(e Entry) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("audit: recorder not configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	hash := chainHash(r.lastHash, e, now)
	row := models.AuditEvent{
		ID:         uuid.New(),
		Actor:      e.Actor,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Outcome:    e.Outcome,
		Details:    e.Details,
		PrevHash:   r.lastHash,
		Hash:       hash,
		CreatedAt:  now,
	}
	if err := r.db.Create(&row).Error; err != nil {
		return fmt.Errorf("audit: append event: %w", err)
	}
	r.lastHash = hash
	return nil
}

// RecordMasked behaves like Record but replaces the actor with the canonical
// redaction placeholder. Used on endpoints where the actor identity is PII.
func (r *Recorder) RecordMasked(e Entry) error {
	e.Actor = logging.MaskValue(e.Actor)
	return r.Record(e)
}

// Verify walks the stored chain in insertion order and recomputes every hash.
// It returns the number of verified rows, or an error naming the first broken
// link.
func Verify(db *gorm.DB) (int, error) {
	var rows []models.AuditEvent
	if err := db.Order("created_at ASC").Find(&rows).Error; err != nil {
		return 0, err
	}
	prev := ""
	for i, row := range rows {
		if row.PrevHash != prev {
			return i, fmt.Errorf("audit: row %s does not chain to its predecessor", row.ID)
		}
		expected := chainHash(prev, Entry{
			Actor:      row.Actor,
			Action:     row.Action,
			EntityType: row.EntityType,
			EntityID:   row.EntityID,
			Outcome:    row.Outcome,
			Details:    row.Details,
		}, row.CreatedAt)
		if row.Hash != expected {
			return i, fmt.Errorf("audit: row %s hash mismatch", row.ID)
		}
		prev = row.Hash
	}
	return len(rows), nil
}
