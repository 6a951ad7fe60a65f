package purchase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	errors "github.com/frahmantamala/puzzle-purchases/internal"
	gateway "github.com/frahmantamala/puzzle-purchases/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/puzzle-purchases/internal/core/events"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// LedgerStore persists purchase records. UpdateStatus and UpdateMetadata are
// conditional on the status and version of the record passed in.
type LedgerStore interface {
	Create(ctx context.Context, p *Purchase) error
	FindByID(ctx context.Context, id string) (*Purchase, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*Purchase, error)
	UpdateStatus(ctx context.Context, current *Purchase, to Status, changes Changes) (*Purchase, error)
	UpdateMetadata(ctx context.Context, current *Purchase, metadata map[string]interface{}) (*Purchase, error)
	SoftDelete(ctx context.Context, id string) error
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Purchase, error)
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*Purchase, error)
	MarkReconciled(ctx context.Context, id string, at time.Time) error
	RecordAudit(ctx context.Context, entry *AuditEntry) error
}

type Gateway interface {
	CreateIntent(ctx context.Context, req gateway.IntentRequest) gateway.Outcome
	ConfirmIntent(ctx context.Context, intentID, continuationToken string) gateway.Outcome
	QueryIntent(ctx context.Context, intentID string) gateway.Outcome
}

// ReplayCache holds terminal records by idempotency key. Get returns nil, nil on a miss.
type ReplayCache interface {
	Get(ctx context.Context, idempotencyKey string) (*Purchase, error)
	Put(ctx context.Context, p *Purchase) error
	Delete(ctx context.Context, idempotencyKey string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

type Options struct {
	GatewayTimeout time.Duration
	ClaimTTL       time.Duration
	TokenHashCost  int
	Cache          ReplayCache
	Events         EventPublisher
	Now            func() time.Time
}

const (
	defaultGatewayTimeout = 10 * time.Second
	defaultClaimTTL       = 30 * time.Second
	persistAttempts       = 3
	fatalDeclineCode      = "gateway_rejected"
)

type phase string

const (
	phaseCreate  phase = "create"
	phaseQuery   phase = "query"
	phaseConfirm phase = "confirm"
)

// Service drives the purchase state machine. It holds no locks: the unique
// idempotency key and conditional status writes in the store serialise
// concurrent callers.
type Service struct {
	store     LedgerStore
	gateway   Gateway
	validator *Validator
	opts      Options
	logger    *slog.Logger
}

func NewService(store LedgerStore, gw Gateway, validator *Validator, opts Options, logger *slog.Logger) *Service {
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = defaultGatewayTimeout
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = defaultClaimTTL
	}
	// a lease shorter than a gateway call would let a second caller re-drive
	// CreateIntent while the first is still waiting on it
	if opts.ClaimTTL <= opts.GatewayTimeout {
		opts.ClaimTTL = 2 * opts.GatewayTimeout
	}
	if opts.TokenHashCost == 0 {
		opts.TokenHashCost = bcrypt.DefaultCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:     store,
		gateway:   gw,
		validator: validator,
		opts:      opts,
		logger:    logger,
	}
}

func (s *Service) CreatePurchase(ctx context.Context, req CreatePurchaseRequest) (*Result, error) {
	valid, err := s.validator.Validate(req)
	if err != nil {
		return nil, err
	}

	// a client hanging up must not abandon a charge that is already in flight
	ctx = context.WithoutCancel(ctx)
	log := s.logger.With("idempotency_key", valid.IdempotencyKey, "user_id", valid.UserID)

	if cached := s.cachedReplay(ctx, valid.IdempotencyKey); cached != nil {
		if !cached.SameAttempt(valid) {
			return nil, idempotencyMismatch()
		}
		log.Info("purchase replayed from cache", "purchase_id", cached.ID, "status", cached.Status)
		return &Result{Purchase: cached, Replayed: true}, terminalError(cached)
	}

	existing, err := s.store.FindByIdempotencyKey(ctx, valid.IdempotencyKey)
	if err == nil {
		return s.resume(ctx, existing, valid)
	}
	if !stderrors.Is(err, ErrPurchaseNotFound) {
		log.Error("failed to look up purchase by idempotency key", "error", err)
		return nil, Classify(err)
	}

	now := s.opts.Now()
	record := &Purchase{
		ID:              uuid.NewString(),
		UserID:          valid.UserID,
		Amount:          valid.Amount,
		Currency:        valid.Currency,
		PaymentMethodID: valid.PaymentMethodID,
		IdempotencyKey:  valid.IdempotencyKey,
		Status:          StatusPending,
		Version:         1,
		ClaimedAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.Create(ctx, record); err != nil {
		if !stderrors.Is(err, ErrDuplicateKey) {
			log.Error("failed to create pending purchase", "error", err)
			return nil, Classify(err)
		}
		log.Info("idempotency key claimed concurrently, resuming existing purchase")
		existing, err := s.store.FindByIdempotencyKey(ctx, valid.IdempotencyKey)
		if err != nil {
			log.Error("failed to reload purchase after insert race", "error", err)
			return nil, Classify(err)
		}
		return s.resume(ctx, existing, valid)
	}

	log.Info("pending purchase created", "purchase_id", record.ID, "amount", record.Amount, "currency", record.Currency)
	return s.drive(ctx, record)
}

// resume continues a purchase whose idempotency key is already claimed.
func (s *Service) resume(ctx context.Context, record *Purchase, valid *ValidRequest) (*Result, error) {
	if !record.SameAttempt(valid) {
		s.logger.Warn("idempotency key reused with different parameters",
			"purchase_id", record.ID,
			"idempotency_key", record.IdempotencyKey)
		return nil, idempotencyMismatch()
	}

	if record.IsTerminal() {
		s.cache(ctx, record)
		return &Result{Purchase: record, Replayed: true}, terminalError(record)
	}

	if record.HasIntent() {
		intentID := *record.GatewayIntentID
		outcome := s.callGateway(ctx, func(c context.Context) gateway.Outcome {
			return s.gateway.QueryIntent(c, intentID)
		})
		return s.settle(ctx, record, outcome, phaseQuery)
	}

	return s.takeOver(ctx, record)
}

// takeOver re-drives CreateIntent for a pending record with no intent once
// its attempt lease has run out. The gateway sees the same idempotency key, so
// an attempt that did reach it is answered with the original intent.
func (s *Service) takeOver(ctx context.Context, record *Purchase) (*Result, error) {
	now := s.opts.Now()
	if now.Sub(record.ClaimedAt) < s.opts.ClaimTTL {
		// the lease holder is still inside CreateIntent and will settle the record
		return &Result{Purchase: record}, nil
	}

	claimed, err := s.store.UpdateStatus(ctx, record, StatusPending, Changes{ClaimedAt: &now})
	if err != nil {
		if stderrors.Is(err, ErrStatusConflict) {
			return s.reload(ctx, record)
		}
		s.logger.Error("failed to take over abandoned purchase", "purchase_id", record.ID, "error", err)
		return nil, Classify(err)
	}

	s.logger.Info("re-driving abandoned purchase", "purchase_id", record.ID, "claimed_at", record.ClaimedAt)
	return s.drive(ctx, claimed)
}

func (s *Service) drive(ctx context.Context, record *Purchase) (*Result, error) {
	req := gateway.IntentRequest{
		Amount:          record.Amount,
		Currency:        record.Currency,
		PaymentMethodID: record.PaymentMethodID,
		IdempotencyKey:  record.IdempotencyKey,
	}
	outcome := s.callGateway(ctx, func(c context.Context) gateway.Outcome {
		return s.gateway.CreateIntent(c, req)
	})
	return s.settle(ctx, record, outcome, phaseCreate)
}

// ConfirmPendingPurchase finishes a purchase that is waiting on the
// customer's extra authentication step.
func (s *Service) ConfirmPendingPurchase(ctx context.Context, recordID, confirmationToken string) (*Result, error) {
	if strings.TrimSpace(confirmationToken) == "" {
		return nil, errors.NewValidationFieldError("confirmationToken", "confirmationToken is required", errors.ErrCodeValidationFailed)
	}

	ctx = context.WithoutCancel(ctx)

	record, err := s.store.FindByID(ctx, recordID)
	if err != nil {
		if stderrors.Is(err, ErrPurchaseNotFound) {
			return nil, errors.NewValidationError("Purchase not found", errors.ErrCodePurchaseNotFound).WithStatus(http.StatusNotFound)
		}
		s.logger.Error("failed to load purchase for confirmation", "purchase_id", recordID, "error", err)
		return nil, Classify(err)
	}

	// confirming a settled purchase reports its state, whichever way it settled
	if record.IsTerminal() {
		return &Result{Purchase: record, Replayed: true}, nil
	}

	if record.Status != StatusRequiresAction || !record.HasIntent() {
		return nil, errors.NewValidationError("Purchase is not awaiting confirmation", errors.ErrCodeNotAwaitingAction).
			WithStatus(http.StatusConflict)
	}

	if !tokenMatches(record.ContinuationTokenHash, confirmationToken) {
		s.logger.Warn("confirmation token mismatch", "purchase_id", record.ID)
		return nil, errors.NewValidationError("Confirmation token is invalid", errors.ErrCodeInvalidConfirmation)
	}

	intentID := *record.GatewayIntentID
	outcome := s.callGateway(ctx, func(c context.Context) gateway.Outcome {
		return s.gateway.ConfirmIntent(c, intentID, confirmationToken)
	})
	return s.settle(ctx, record, outcome, phaseConfirm)
}

// ReconcilePurchase settles an open purchase without the client. One with an
// intent is resolved through QueryIntent; one without is re-driven through
// CreateIntent once its attempt lease has expired.
func (s *Service) ReconcilePurchase(ctx context.Context, recordID string) (*Result, error) {
	ctx = context.WithoutCancel(ctx)

	record, err := s.store.FindByID(ctx, recordID)
	if err != nil {
		return nil, Classify(err)
	}
	if record.IsTerminal() {
		return &Result{Purchase: record}, nil
	}

	if err := s.store.MarkReconciled(ctx, record.ID, s.opts.Now()); err != nil {
		s.logger.Warn("failed to mark purchase reconciled", "purchase_id", record.ID, "error", err)
	}

	if !record.HasIntent() {
		return s.takeOver(ctx, record)
	}

	intentID := *record.GatewayIntentID
	outcome := s.callGateway(ctx, func(c context.Context) gateway.Outcome {
		return s.gateway.QueryIntent(c, intentID)
	})
	return s.settle(ctx, record, outcome, phaseQuery)
}

// ReconcileByIdempotencyKey settles the purchase a gateway notification
// refers to. Deleted purchases are left alone.
func (s *Service) ReconcileByIdempotencyKey(ctx context.Context, idempotencyKey string) (*Result, error) {
	record, err := s.store.FindByIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		return nil, Classify(err)
	}
	if record.IsDeleted() {
		return &Result{Purchase: record}, nil
	}
	return s.ReconcilePurchase(ctx, record.ID)
}

func (s *Service) GetPurchase(ctx context.Context, recordID string) (*Purchase, error) {
	record, err := s.store.FindByID(ctx, recordID)
	if err != nil {
		if !stderrors.Is(err, ErrPurchaseNotFound) {
			s.logger.Error("failed to load purchase", "purchase_id", recordID, "error", err)
		}
		return nil, Classify(err)
	}
	return record, nil
}

func (s *Service) ListPurchases(ctx context.Context, userID string, limit, offset int) ([]*Purchase, error) {
	records, err := s.store.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		s.logger.Error("failed to list purchases", "user_id", userID, "error", err)
		return nil, Classify(err)
	}
	return records, nil
}

// ListStale returns non-terminal purchases untouched since olderThan.
func (s *Service) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*Purchase, error) {
	return s.store.ListStale(ctx, olderThan, limit)
}

// UpdatePurchase replaces the metadata of a settled purchase.
func (s *Service) UpdatePurchase(ctx context.Context, recordID string, req UpdatePurchaseRequest, actorID string) (*Purchase, error) {
	if err := s.validator.ValidateUpdate(req); err != nil {
		return nil, err
	}

	record, err := s.store.FindByID(ctx, recordID)
	if err != nil {
		return nil, Classify(err)
	}
	if !record.IsTerminal() {
		return nil, Classify(ErrNotTerminal)
	}

	updated, err := s.store.UpdateMetadata(ctx, record, req.Metadata)
	if err != nil {
		if stderrors.Is(err, ErrStatusConflict) || stderrors.Is(err, ErrNotTerminal) {
			return nil, errors.NewConflictError("Purchase was modified concurrently", errors.ErrCodePurchaseNotTerminal)
		}
		s.logger.Error("failed to update purchase metadata", "purchase_id", recordID, "error", err)
		return nil, Classify(err)
	}

	s.audit(ctx, recordID, AuditActionUpdate, actorID)
	s.cache(ctx, updated)

	s.logger.Info("purchase metadata updated", "purchase_id", recordID, "actor_id", actorID)
	return updated, nil
}

// DeletePurchase soft deletes a settled purchase. The idempotency key stays claimed.
func (s *Service) DeletePurchase(ctx context.Context, recordID string, actorID string) error {
	record, err := s.store.FindByID(ctx, recordID)
	if err != nil {
		if !stderrors.Is(err, ErrPurchaseNotFound) {
			s.logger.Error("failed to load purchase for deletion", "purchase_id", recordID, "error", err)
		}
		return Classify(err)
	}

	if err := s.store.SoftDelete(ctx, recordID); err != nil {
		if !stderrors.Is(err, ErrPurchaseNotFound) && !stderrors.Is(err, ErrNotTerminal) {
			s.logger.Error("failed to delete purchase", "purchase_id", recordID, "error", err)
		}
		return Classify(err)
	}

	s.audit(ctx, recordID, AuditActionDelete, actorID)
	s.evict(ctx, record.IdempotencyKey)

	s.logger.Info("purchase deleted", "purchase_id", recordID, "actor_id", actorID)
	return nil
}

// settle applies a gateway outcome to the record. Every branch either
// persists a status or returns an error.
func (s *Service) settle(ctx context.Context, record *Purchase, outcome gateway.Outcome, ph phase) (*Result, error) {
	log := s.logger.With("purchase_id", record.ID, "phase", string(ph), "outcome", outcome.String())

	switch o := outcome.(type) {
	case gateway.Succeeded:
		intentID, receipt := o.IntentID, o.ReceiptRef
		updated, err := s.transition(ctx, record, StatusSucceeded, Changes{GatewayIntentID: &intentID, ReceiptRef: &receipt})
		if err != nil {
			return s.persistFailed(ctx, record, err, log)
		}
		log.Info("purchase succeeded", "intent_id", intentID)
		s.finish(ctx, events.EventTypePurchaseSucceeded, updated)
		return &Result{Purchase: updated}, nil

	case gateway.RequiresAction:
		if record.Status == StatusRequiresAction {
			return &Result{Purchase: record, ContinuationToken: o.ContinuationToken}, nil
		}
		hash, err := hashToken(o.ContinuationToken, s.opts.TokenHashCost)
		if err != nil {
			log.Error("failed to hash continuation token", "error", err)
			return &Result{Purchase: record}, errors.NewInternalError(msgInternal, err)
		}
		intentID := o.IntentID
		updated, err := s.transition(ctx, record, StatusRequiresAction, Changes{GatewayIntentID: &intentID, ContinuationTokenHash: &hash})
		if err != nil {
			return s.persistFailed(ctx, record, err, log)
		}
		log.Info("purchase requires customer action", "intent_id", intentID)
		s.publish(ctx, events.EventTypePurchaseRequiresAction, updated)
		return &Result{Purchase: updated, ContinuationToken: o.ContinuationToken}, nil

	case gateway.Declined:
		code := o.ReasonCode
		updated, err := s.transition(ctx, record, StatusFailed, Changes{DeclineCode: &code})
		if err != nil {
			return s.persistFailed(ctx, record, err, log)
		}
		log.Info("purchase declined", "reason_code", code)
		s.finish(ctx, events.EventTypePurchaseFailed, updated)
		return &Result{Purchase: updated}, ClassifyOutcome(o)

	case gateway.TransientError:
		log.Warn("gateway outcome unknown, purchase left unchanged", "status", record.Status, "error", o.Cause)
		if ph == phaseCreate {
			record = s.releaseClaim(ctx, record)
		}
		return &Result{Purchase: record}, ClassifyOutcome(o)

	case gateway.FatalError:
		if ph != phaseCreate {
			// the intent exists and may have been charged, so do not fail the record
			log.Error("gateway rejected follow-up call", "error", o.Cause)
			return &Result{Purchase: record}, ClassifyOutcome(o)
		}
		code := fatalDeclineCode
		updated, err := s.transition(ctx, record, StatusFailed, Changes{DeclineCode: &code})
		if err != nil {
			return s.persistFailed(ctx, record, err, log)
		}
		log.Error("gateway rejected purchase", "error", o.Cause)
		s.finish(ctx, events.EventTypePurchaseFailed, updated)
		return &Result{Purchase: updated}, ClassifyOutcome(o)

	default:
		log.Error("unexpected gateway outcome")
		return &Result{Purchase: record}, errors.NewInternalError(msgInternal, nil)
	}
}

// transition writes a status change, retrying transient store failures so a
// settled gateway outcome is not dropped.
func (s *Service) transition(ctx context.Context, record *Purchase, to Status, changes Changes) (*Purchase, error) {
	if !CanTransition(record.Status, to) {
		return nil, ErrInvalidTransition
	}

	var lastErr error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		updated, err := s.store.UpdateStatus(ctx, record, to, changes)
		if err == nil {
			return updated, nil
		}
		if stderrors.Is(err, ErrStatusConflict) || stderrors.Is(err, ErrInvalidTransition) || stderrors.Is(err, ErrPurchaseNotFound) {
			return nil, err
		}
		lastErr = err
		s.logger.Warn("status write failed, retrying",
			"purchase_id", record.ID,
			"to", to,
			"attempt", attempt,
			"error", err)
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
	return nil, lastErr
}

// releaseClaim expires the attempt lease so the caller's retry can re-drive
// CreateIntent straight away instead of waiting out the lease.
func (s *Service) releaseClaim(ctx context.Context, record *Purchase) *Purchase {
	released := time.Unix(0, 0).UTC()
	updated, err := s.store.UpdateStatus(ctx, record, StatusPending, Changes{ClaimedAt: &released})
	if err != nil {
		s.logger.Warn("failed to release purchase claim", "purchase_id", record.ID, "error", err)
		return record
	}
	return updated
}

func (s *Service) persistFailed(ctx context.Context, record *Purchase, err error, log *slog.Logger) (*Result, error) {
	if stderrors.Is(err, ErrStatusConflict) || stderrors.Is(err, ErrInvalidTransition) {
		log.Info("purchase changed concurrently, reloading")
		return s.reload(ctx, record)
	}
	log.Error("failed to persist gateway outcome", "error", err, "intent_id", record.GatewayIntentID)
	return &Result{Purchase: record}, errors.NewInternalError(msgInternal, err)
}

// reload returns whatever state won a concurrent write.
func (s *Service) reload(ctx context.Context, record *Purchase) (*Result, error) {
	current, err := s.store.FindByIdempotencyKey(ctx, record.IdempotencyKey)
	if err != nil {
		s.logger.Error("failed to reload purchase", "purchase_id", record.ID, "error", err)
		return nil, Classify(err)
	}
	if current.IsTerminal() {
		s.cache(ctx, current)
		return &Result{Purchase: current, Replayed: true}, terminalError(current)
	}
	return &Result{Purchase: current}, nil
}

func (s *Service) callGateway(ctx context.Context, call func(context.Context) gateway.Outcome) gateway.Outcome {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	defer cancel()

	done := make(chan gateway.Outcome, 1)
	go func() {
		done <- call(callCtx)
	}()

	select {
	case outcome := <-done:
		if outcome == nil {
			return gateway.FatalError{Cause: stderrors.New("gateway returned no outcome")}
		}
		return outcome
	case <-callCtx.Done():
		return gateway.TransientError{Cause: callCtx.Err()}
	}
}

func (s *Service) finish(ctx context.Context, eventType string, p *Purchase) {
	s.publish(ctx, eventType, p)
	s.cache(ctx, p)
}

func (s *Service) publish(ctx context.Context, eventType string, p *Purchase) {
	if s.opts.Events == nil {
		return
	}
	event := events.NewPurchaseEvent(eventType, events.PurchasePayload{
		PurchaseID:      p.ID,
		UserID:          p.UserID,
		Amount:          p.Amount,
		Currency:        p.Currency,
		Status:          string(p.Status),
		GatewayIntentID: deref(p.GatewayIntentID),
		DeclineCode:     deref(p.DeclineCode),
	})
	if err := s.opts.Events.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish purchase event", "event_type", eventType, "purchase_id", p.ID, "error", err)
	}
}

func (s *Service) cache(ctx context.Context, p *Purchase) {
	if s.opts.Cache == nil || !p.IsTerminal() {
		return
	}
	if err := s.opts.Cache.Put(ctx, p); err != nil {
		s.logger.Warn("failed to cache purchase", "purchase_id", p.ID, "error", err)
	}
}

func (s *Service) evict(ctx context.Context, key string) {
	if s.opts.Cache == nil {
		return
	}
	if err := s.opts.Cache.Delete(ctx, key); err != nil {
		s.logger.Warn("failed to evict cached purchase", "idempotency_key", key, "error", err)
	}
}

func (s *Service) cachedReplay(ctx context.Context, key string) *Purchase {
	if s.opts.Cache == nil {
		return nil
	}
	p, err := s.opts.Cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("replay cache lookup failed", "idempotency_key", key, "error", err)
		return nil
	}
	if p == nil || !p.IsTerminal() {
		return nil
	}
	return p
}

func (s *Service) audit(ctx context.Context, purchaseID, action, actorID string) {
	entry := &AuditEntry{
		ID:         uuid.NewString(),
		PurchaseID: purchaseID,
		Action:     action,
		CreatedAt:  s.opts.Now(),
	}
	if actorID != "" {
		entry.ActorID = &actorID
	}
	if err := s.store.RecordAudit(ctx, entry); err != nil {
		s.logger.Error("failed to record audit entry", "purchase_id", purchaseID, "action", action, "error", err)
	}
}

// terminalError is the error a replay of a settled purchase reports, so a
// retried request sees the same answer as the original one.
func terminalError(p *Purchase) error {
	if p.Status != StatusFailed {
		return nil
	}
	return errors.NewPaymentDeclinedError(msgDeclined, deref(p.DeclineCode))
}

func idempotencyMismatch() *errors.AppError {
	return errors.NewValidationFieldError("idempotencyKey",
		"idempotencyKey was already used for a different purchase",
		errors.ErrCodeIdempotencyMismatch)
}

// Continuation tokens can exceed bcrypt's 72 byte input limit, so they are
// digested first.
func hashToken(token string, cost int) (string, error) {
	digest := sha256.Sum256([]byte(token))
	hash, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(digest[:])), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func tokenMatches(hash *string, token string) bool {
	if hash == nil || *hash == "" {
		return false
	}
	digest := sha256.Sum256([]byte(token))
	return bcrypt.CompareHashAndPassword([]byte(*hash), []byte(hex.EncodeToString(digest[:]))) == nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
