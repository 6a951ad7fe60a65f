package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	purchaseDatamodel "github.com/frahmantamala/puzzle-purchases/internal/core/datamodel/purchase"
	"github.com/frahmantamala/puzzle-purchases/internal/purchase"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var terminalStatuses = []string{string(purchase.StatusSucceeded), string(purchase.StatusFailed)}

var openStatuses = []string{string(purchase.StatusPending), string(purchase.StatusRequiresAction)}

type PurchaseRepository struct {
	db *gorm.DB
}

// NewPurchaseRepository expects a *gorm.DB opened with TranslateError so that
// unique violations surface as gorm.ErrDuplicatedKey.
func NewPurchaseRepository(db *gorm.DB) purchase.LedgerStore {
	return &PurchaseRepository{
		db: db,
	}
}

func (r *PurchaseRepository) Create(ctx context.Context, p *purchase.Purchase) error {
	dm, err := purchase.ToDataModel(p)
	if err != nil {
		return err
	}

	err = r.db.WithContext(ctx).Create(dm).Error
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return purchase.ErrDuplicateKey
	}
	// drivers without error translation still leave the winning row behind
	if _, lookupErr := r.FindByIdempotencyKey(ctx, p.IdempotencyKey); lookupErr == nil {
		return purchase.ErrDuplicateKey
	}
	return err
}

func (r *PurchaseRepository) FindByID(ctx context.Context, id string) (*purchase.Purchase, error) {
	var dm purchaseDatamodel.Purchase
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&dm).Error
	if err != nil {
		return nil, translate(err)
	}
	return purchase.FromDataModel(&dm), nil
}

// FindByIdempotencyKey includes soft-deleted rows: a deleted purchase still
// owns its key.
func (r *PurchaseRepository) FindByIdempotencyKey(ctx context.Context, key string) (*purchase.Purchase, error) {
	var dm purchaseDatamodel.Purchase
	err := r.db.WithContext(ctx).Unscoped().Where("idempotency_key = ?", key).First(&dm).Error
	if err != nil {
		return nil, translate(err)
	}
	return purchase.FromDataModel(&dm), nil
}

func (r *PurchaseRepository) UpdateStatus(ctx context.Context, current *purchase.Purchase, to purchase.Status, changes purchase.Changes) (*purchase.Purchase, error) {
	if !purchase.CanTransition(current.Status, to) {
		return nil, purchase.ErrInvalidTransition
	}

	updates := map[string]interface{}{
		"status":     string(to),
		"version":    current.Version + 1,
		"updated_at": time.Now().UTC(),
	}
	if changes.GatewayIntentID != nil {
		updates["gateway_intent_id"] = *changes.GatewayIntentID
	}
	if changes.ContinuationTokenHash != nil {
		updates["continuation_token_hash"] = *changes.ContinuationTokenHash
	}
	if changes.ReceiptRef != nil {
		updates["receipt_ref"] = *changes.ReceiptRef
	}
	if changes.DeclineCode != nil {
		updates["decline_code"] = *changes.DeclineCode
	}
	if changes.ClaimedAt != nil {
		updates["claimed_at"] = changes.ClaimedAt.UTC()
	}

	res := r.db.WithContext(ctx).
		Model(&purchaseDatamodel.Purchase{}).
		Where("id = ? AND status = ? AND version = ?", current.ID, string(current.Status), current.Version).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, r.missedWrite(ctx, current.ID, false)
	}

	return r.FindByID(ctx, current.ID)
}

func (r *PurchaseRepository) UpdateMetadata(ctx context.Context, current *purchase.Purchase, metadata map[string]interface{}) (*purchase.Purchase, error) {
	var value interface{}
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, err
		}
		value = datatypes.JSON(raw)
	}

	res := r.db.WithContext(ctx).
		Model(&purchaseDatamodel.Purchase{}).
		Where("id = ? AND version = ? AND status IN ?", current.ID, current.Version, terminalStatuses).
		Updates(map[string]interface{}{
			"metadata":   value,
			"version":    current.Version + 1,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, r.missedWrite(ctx, current.ID, true)
	}

	return r.FindByID(ctx, current.ID)
}

func (r *PurchaseRepository) SoftDelete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND status IN ?", id, terminalStatuses).
		Delete(&purchaseDatamodel.Purchase{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.missedWrite(ctx, id, true)
	}
	return nil
}

func (r *PurchaseRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*purchase.Purchase, error) {
	var rows []purchaseDatamodel.Purchase
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// ListStale returns open purchases untouched since olderThan, least recently
// reconciled first. A purchase reconciled after olderThan is left out, so one
// the gateway cannot settle yet does not hold its place at the head of the queue.
func (r *PurchaseRepository) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*purchase.Purchase, error) {
	cutoff := olderThan.UTC()
	var rows []purchaseDatamodel.Purchase
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", openStatuses, cutoff).
		Where("reconciled_at IS NULL OR reconciled_at < ?", cutoff).
		Order("COALESCE(reconciled_at, updated_at) ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// MarkReconciled stamps a reconciliation attempt. It is bookkeeping only and
// leaves version and updated_at alone, so it never races a status write.
func (r *PurchaseRepository) MarkReconciled(ctx context.Context, id string, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&purchaseDatamodel.Purchase{}).
		Where("id = ?", id).
		UpdateColumn("reconciled_at", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return purchase.ErrPurchaseNotFound
	}
	return nil
}

func (r *PurchaseRepository) RecordAudit(ctx context.Context, entry *purchase.AuditEntry) error {
	return r.db.WithContext(ctx).Create(purchase.AuditToDataModel(entry)).Error
}

// missedWrite explains why a conditional write touched no rows.
func (r *PurchaseRepository) missedWrite(ctx context.Context, id string, needTerminal bool) error {
	current, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if needTerminal && !current.IsTerminal() {
		return purchase.ErrNotTerminal
	}
	return purchase.ErrStatusConflict
}

func fromRows(rows []purchaseDatamodel.Purchase) []*purchase.Purchase {
	out := make([]*purchase.Purchase, 0, len(rows))
	for i := range rows {
		out = append(out, purchase.FromDataModel(&rows[i]))
	}
	return out
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return purchase.ErrPurchaseNotFound
	}
	return err
}
