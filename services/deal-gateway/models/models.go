package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Role enumerations for persistence.
const (
	RoleInvestor   = "investor"
	RoleDealAdmin  = "dealadmin"
	RoleCompliance = "compliance"
	RoleOperator   = "operator"
	RoleAuditor    = "auditor"
)

// DealState mirrors the on-ledger deal lifecycle for reporting.
type DealState string

// All deal lifecycle states tracked by the gateway.
const (
	StateDraft     DealState = "DRAFT"
	StateOpen      DealState = "OPEN"
	StateSucceeded DealState = "SUCCEEDED"
	StateFailed    DealState = "FAILED"
	StateSettled   DealState = "SETTLED"
	StateCancelled DealState = "CANCELLED"
)

// Tenant describes an issuing organisation and its fee bucket.
type Tenant struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"uniqueIndex"`
	TenantRef uint64    `gorm:"uniqueIndex"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User stores authenticated personnel and investor records.
type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email     string    `gorm:"uniqueIndex"`
	Role      string    `gorm:"index"`
	TenantID  uuid.UUID `gorm:"type:uuid;index"`
	Address   string    `gorm:"size:64;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Deal describes an offering across its lifecycle. SaleID links the row to the
// on-ledger sale record; the ledger remains the source of truth for balances.
type Deal struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID  uuid.UUID `gorm:"type:uuid;index"`
	SaleID    string    `gorm:"size:66;uniqueIndex"`
	Name      string    `gorm:"size:128"`
	DealType  string    `gorm:"size:32;index"`
	Token     string    `gorm:"size:64"`
	State     DealState `gorm:"size:32;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
	Terms     []DealTerms
	Documents []DealDocument
}

// DealTerms snapshots the immutable sale parameters for display.
type DealTerms struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	DealID          uuid.UUID `gorm:"type:uuid;index"`
	PriceWad        string    `gorm:"size:80"`
	Hardcap         string    `gorm:"size:80"`
	Softcap         string    `gorm:"size:80"`
	LockupBps       uint32
	DurationSecs    int64
	ImmediatePayout bool
	CreatedAt       time.Time
}

// DealDocument captures offering documents stored in object storage.
type DealDocument struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	DealID     uuid.UUID `gorm:"type:uuid;index"`
	ObjectKey  string
	Kind       string    `gorm:"size:32"`
	UploadedBy uuid.UUID `gorm:"type:uuid"`
	CreatedAt  time.Time
}

// EscrowRecord mirrors on-ledger escrows for operator dashboards.
type EscrowRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	DealID    uuid.UUID `gorm:"type:uuid;index"`
	EscrowID  string    `gorm:"size:66;uniqueIndex"`
	Investor  string    `gorm:"size:64;index"`
	Currency  string    `gorm:"size:16"`
	Status    string    `gorm:"size:32;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuditEvent is the append-only action trail. Hash chains each row to its
// predecessor so tampering is detectable.
type AuditEvent struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Actor      string    `gorm:"size:128;index"`
	Action     string    `gorm:"size:64;index"`
	EntityType string    `gorm:"size:32;index"`
	EntityID   string    `gorm:"size:66;index"`
	Outcome    string    `gorm:"size:32"`
	Details    string    `gorm:"type:text"`
	PrevHash   string    `gorm:"size:64"`
	Hash       string    `gorm:"size:64;uniqueIndex"`
	CreatedAt  time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Tenant{},
		&User{},
		&Deal{},
		&DealTerms{},
		&DealDocument{},
		&EscrowRecord{},
		&AuditEvent{},
	)
}
