package purchase

import (
	"encoding/json"
	"errors"
	"time"

	purchaseDatamodel "github.com/frahmantamala/puzzle-purchases/internal/core/datamodel/purchase"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending        Status = "pending"
	StatusRequiresAction Status = "requires_action"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
)

func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRequiresAction, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// transitions lists every write a record may receive. pending -> pending is
// the attempt lease refresh.
var transitions = map[Status][]Status{
	StatusPending:        {StatusPending, StatusRequiresAction, StatusSucceeded, StatusFailed},
	StatusRequiresAction: {StatusSucceeded, StatusFailed},
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	ErrPurchaseNotFound  = errors.New("purchase not found")
	ErrDuplicateKey      = errors.New("idempotency key already claimed")
	ErrStatusConflict    = errors.New("purchase status changed concurrently")
	ErrInvalidTransition = errors.New("status transition not allowed")
	ErrNotTerminal       = errors.New("purchase is not in a terminal status")
)

// Purchase is the ledger entry for one logical purchase attempt.
type Purchase struct {
	ID                    string
	UserID                string
	Amount                int64
	Currency              string
	PaymentMethodID       string
	IdempotencyKey        string
	GatewayIntentID       *string
	Status                Status
	ContinuationTokenHash *string
	ReceiptRef            *string
	DeclineCode           *string
	Metadata              map[string]interface{}
	Version               int64
	ClaimedAt             time.Time
	ReconciledAt          *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
	DeletedAt             *time.Time
}

func (p *Purchase) IsTerminal() bool {
	return p.Status.IsTerminal()
}

func (p *Purchase) IsDeleted() bool {
	return p.DeletedAt != nil
}

func (p *Purchase) HasIntent() bool {
	return p.GatewayIntentID != nil && *p.GatewayIntentID != ""
}

// SameAttempt reports whether a request reusing this record's idempotency
// key describes the same charge.
func (p *Purchase) SameAttempt(req *ValidRequest) bool {
	return p.UserID == req.UserID && p.Amount == req.Amount && p.Currency == req.Currency
}

// Changes carries the optional columns written together with a status change.
type Changes struct {
	GatewayIntentID       *string
	ContinuationTokenHash *string
	ReceiptRef            *string
	DeclineCode           *string
	ClaimedAt             *time.Time
}

// AuditEntry records an administrative action on a purchase.
type AuditEntry struct {
	ID         string
	PurchaseID string
	Action     string
	ActorID    *string
	CreatedAt  time.Time
}

const (
	AuditActionUpdate = "purchase.update"
	AuditActionDelete = "purchase.delete"
)

func ToDataModel(p *Purchase) (*purchaseDatamodel.Purchase, error) {
	dm := &purchaseDatamodel.Purchase{
		ID:                    p.ID,
		UserID:                p.UserID,
		Amount:                p.Amount,
		Currency:              p.Currency,
		PaymentMethodID:       p.PaymentMethodID,
		IdempotencyKey:        p.IdempotencyKey,
		GatewayIntentID:       p.GatewayIntentID,
		Status:                string(p.Status),
		ContinuationTokenHash: p.ContinuationTokenHash,
		ReceiptRef:            p.ReceiptRef,
		DeclineCode:           p.DeclineCode,
		Version:               p.Version,
		ClaimedAt:             p.ClaimedAt,
		ReconciledAt:          p.ReconciledAt,
		CreatedAt:             p.CreatedAt,
		UpdatedAt:             p.UpdatedAt,
	}
	if p.Metadata != nil {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, err
		}
		dm.Metadata = datatypes.JSON(raw)
	}
	return dm, nil
}

func FromDataModel(dm *purchaseDatamodel.Purchase) *Purchase {
	p := &Purchase{
		ID:                    dm.ID,
		UserID:                dm.UserID,
		Amount:                dm.Amount,
		Currency:              dm.Currency,
		PaymentMethodID:       dm.PaymentMethodID,
		IdempotencyKey:        dm.IdempotencyKey,
		GatewayIntentID:       dm.GatewayIntentID,
		Status:                Status(dm.Status),
		ContinuationTokenHash: dm.ContinuationTokenHash,
		ReceiptRef:            dm.ReceiptRef,
		DeclineCode:           dm.DeclineCode,
		Version:               dm.Version,
		ClaimedAt:             dm.ClaimedAt,
		ReconciledAt:          dm.ReconciledAt,
		CreatedAt:             dm.CreatedAt,
		UpdatedAt:             dm.UpdatedAt,
	}
	if len(dm.Metadata) > 0 {
		var meta map[string]interface{}
		if err := json.Unmarshal(dm.Metadata, &meta); err == nil {
			p.Metadata = meta
		}
	}
	if dm.DeletedAt.Valid {
		deletedAt := dm.DeletedAt.Time
		p.DeletedAt = &deletedAt
	}
	return p
}

func AuditToDataModel(e *AuditEntry) *purchaseDatamodel.AuditLog {
	return &purchaseDatamodel.AuditLog{
		ID:         e.ID,
		PurchaseID: e.PurchaseID,
		Action:     e.Action,
		ActorID:    e.ActorID,
		CreatedAt:  e.CreatedAt,
	}
}

func AuditFromDataModel(dm *purchaseDatamodel.AuditLog) *AuditEntry {
	return &AuditEntry{
		ID:         dm.ID,
		PurchaseID: dm.PurchaseID,
		Action:     dm.Action,
		ActorID:    dm.ActorID,
		CreatedAt:  dm.CreatedAt,
	}
}
