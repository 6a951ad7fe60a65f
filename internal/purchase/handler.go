package purchase

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	errors "github.com/frahmantamala/puzzle-purchases/internal"
	"github.com/frahmantamala/puzzle-purchases/internal/transport"
	"github.com/frahmantamala/puzzle-purchases/pkg/logger"
	"github.com/go-chi/chi"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	defaultListLimit     = 20
	maxListLimit         = 100
)

type ServiceAPI interface {
	CreatePurchase(ctx context.Context, req CreatePurchaseRequest) (*Result, error)
	ConfirmPendingPurchase(ctx context.Context, recordID, confirmationToken string) (*Result, error)
	GetPurchase(ctx context.Context, recordID string) (*Purchase, error)
	ListPurchases(ctx context.Context, userID string, limit, offset int) ([]*Purchase, error)
	UpdatePurchase(ctx context.Context, recordID string, req UpdatePurchaseRequest, actorID string) (*Purchase, error)
	DeletePurchase(ctx context.Context, recordID string, actorID string) error
}

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(service ServiceAPI, lg *slog.Logger) *Handler {
	if lg == nil {
		lg = logger.LoggerWrapper()
	}
	return &Handler{
		BaseHandler: transport.NewBaseHandler(lg),
		Service:     service,
	}
}

func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r, "CreatePurchase")
	if !ok {
		return
	}

	var req CreatePurchaseRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.Logger.Warn("CreatePurchase: invalid request body", "user_id", user.ID)
		h.WriteError(w, appErr)
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	}
	if req.UserID == "" {
		req.UserID = user.ID
	}
	if req.UserID != user.ID && !user.IsAdmin() {
		h.Logger.Warn("CreatePurchase: user attempted to purchase for someone else",
			"user_id", user.ID,
			"target_user_id", req.UserID)
		h.WriteError(w, errors.NewForbiddenError("Cannot create purchases for another user", errors.ErrCodeInsufficientPerms))
		return
	}

	result, err := h.Service.CreatePurchase(r.Context(), req)
	if err != nil {
		h.Logger.Warn("CreatePurchase: purchase not completed",
			"error", err,
			"user_id", user.ID,
			"idempotency_key", req.IdempotencyKey)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("CreatePurchase: purchase processed",
		"purchase_id", result.Purchase.ID,
		"user_id", user.ID,
		"status", result.Purchase.Status,
		"replayed", result.Replayed)

	h.WriteSuccess(w, http.StatusOK, result.ToResponse())
}

func (h *Handler) ConfirmPurchase(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r, "ConfirmPurchase")
	if !ok {
		return
	}
	purchaseID := chi.URLParam(r, "id")

	var req ConfirmPurchaseRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.WriteError(w, appErr)
		return
	}

	if _, ok := h.loadVisible(w, r, user, purchaseID, "ConfirmPurchase"); !ok {
		return
	}

	result, err := h.Service.ConfirmPendingPurchase(r.Context(), purchaseID, req.ConfirmationToken)
	if err != nil {
		h.Logger.Warn("ConfirmPurchase: confirmation not completed",
			"error", err,
			"purchase_id", purchaseID,
			"user_id", user.ID)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("ConfirmPurchase: purchase confirmed",
		"purchase_id", purchaseID,
		"status", result.Purchase.Status)

	h.WriteSuccess(w, http.StatusOK, result.ToResponse())
}

func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r, "GetPurchase")
	if !ok {
		return
	}

	record, ok := h.loadVisible(w, r, user, chi.URLParam(r, "id"), "GetPurchase")
	if !ok {
		return
	}

	h.WriteSuccess(w, http.StatusOK, PurchaseDetailResponse{Purchase: record.ToView()})
}

// ListPurchases lists the caller's purchases. Admins may pass userId to list
// someone else's.
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r, "ListPurchases")
	if !ok {
		return
	}

	limit, offset := defaultListLimit, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	userID := user.ID
	if target := r.URL.Query().Get("userId"); target != "" && user.IsAdmin() {
		userID = target
	}

	records, err := h.Service.ListPurchases(r.Context(), userID, limit, offset)
	if err != nil {
		h.Logger.Error("ListPurchases: service error", "error", err, "user_id", userID)
		h.HandleServiceError(w, err)
		return
	}

	views := make([]*PurchaseView, 0, len(records))
	for _, p := range records {
		views = append(views, p.ToView())
	}
	h.WriteSuccess(w, http.StatusOK, PurchaseListResponse{Purchases: views, Limit: limit, Offset: offset})
}

func (h *Handler) UpdatePurchase(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r, "UpdatePurchase")
	if !ok {
		return
	}
	purchaseID := chi.URLParam(r, "id")

	var req UpdatePurchaseRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.WriteError(w, appErr)
		return
	}

	updated, err := h.Service.UpdatePurchase(r.Context(), purchaseID, req, user.ID)
	if err != nil {
		h.Logger.Warn("UpdatePurchase: update rejected", "error", err, "purchase_id", purchaseID, "actor_id", user.ID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteSuccess(w, http.StatusOK, PurchaseDetailResponse{Purchase: updated.ToView()})
}

func (h *Handler) DeletePurchase(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r, "DeletePurchase")
	if !ok {
		return
	}
	purchaseID := chi.URLParam(r, "id")

	if err := h.Service.DeletePurchase(r.Context(), purchaseID, user.ID); err != nil {
		h.Logger.Warn("DeletePurchase: delete rejected", "error", err, "purchase_id", purchaseID, "actor_id", user.ID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteSuccess(w, http.StatusOK, MessageResponse{Message: "Purchase deleted successfully"})
}

func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request, op string) (*errors.User, bool) {
	user, ok := errors.UserFromContext(r.Context())
	if !ok {
		h.Logger.Error(op + ": user not found in context")
		h.WriteError(w, errors.NewUnauthorizedError("Authentication required", errors.ErrCodeUnauthorizedAccess))
		return nil, false
	}
	return user, true
}

// loadVisible fetches a purchase the caller may see. Other users' purchases
// are reported as missing.
func (h *Handler) loadVisible(w http.ResponseWriter, r *http.Request, user *errors.User, purchaseID, op string) (*Purchase, bool) {
	record, err := h.Service.GetPurchase(r.Context(), purchaseID)
	if err != nil {
		h.HandleServiceError(w, err)
		return nil, false
	}
	if record.UserID != user.ID && !user.IsAdmin() {
		h.Logger.Warn(op+": purchase belongs to another user", "purchase_id", purchaseID, "user_id", user.ID)
		h.WriteError(w, errors.NewNotFoundError("Purchase not found", errors.ErrCodePurchaseNotFound))
		return nil, false
	}
	return record, true
}
