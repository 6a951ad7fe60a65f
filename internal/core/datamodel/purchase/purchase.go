package purchase

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Purchase struct {
	ID                    string         `gorm:"column:id;primaryKey;size:36"`
	UserID                string         `gorm:"column:user_id;not null;index"`
	Amount                int64          `gorm:"column:amount;not null"`
	Currency              string         `gorm:"column:currency;size:3;not null"`
	PaymentMethodID       string         `gorm:"column:payment_method_id;not null"`
	IdempotencyKey        string         `gorm:"column:idempotency_key;size:255;not null;uniqueIndex"`
	GatewayIntentID       *string        `gorm:"column:gateway_intent_id;index"`
	Status                string         `gorm:"column:status;size:32;not null;index"`
	ContinuationTokenHash *string        `gorm:"column:continuation_token_hash"`
	ReceiptRef            *string        `gorm:"column:receipt_ref"`
	DeclineCode           *string        `gorm:"column:decline_code"`
	Metadata              datatypes.JSON `gorm:"column:metadata"`
	Version               int64          `gorm:"column:version;not null;default:1"`
	ClaimedAt             time.Time      `gorm:"column:claimed_at;not null"`
	ReconciledAt          *time.Time     `gorm:"column:reconciled_at"`
	CreatedAt             time.Time      `gorm:"column:created_at"`
	UpdatedAt             time.Time      `gorm:"column:updated_at"`
	DeletedAt             gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

func (Purchase) TableName() string {
	return "purchases"
}

type AuditLog struct {
	ID         string    `gorm:"column:id;primaryKey;size:36"`
	PurchaseID string    `gorm:"column:purchase_id;not null;index"`
	Action     string    `gorm:"column:action;size:64;not null"`
	ActorID    *string   `gorm:"column:actor_id"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (AuditLog) TableName() string {
	return "purchase_audit_logs"
}
