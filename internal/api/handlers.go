/**
 * @description
 * HTTP handlers for the ledger-service. Handlers decode and validate the
 * request, call the ledger service and translate its error kinds into status
 * codes. Error kinds are passed to the caller unchanged as a `code` field so
 * the chat layer can phrase them for the end user.
 *
 * @dependencies
 * - github.com/go-playground/validator/v10: request DTO validation.
 * - internal/app: the ledger service and its error kinds.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/GFFB0314/Bafoka-teamZ/internal/app"
	"github.com/GFFB0314/Bafoka-teamZ/internal/domain"
)

// LedgerService is the subset of app.Service the handlers call.
type LedgerService interface {
	RegisterAccount(ctx context.Context, cmd app.RegisterCommand) (*app.RegistrationResult, error)
	GetBalance(ctx context.Context, identity string) (*domain.BalanceView, error)
	Transfer(ctx context.Context, cmd app.TransferCommand) (*domain.TransferResult, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	UpdateCommunity(ctx context.Context, identity, community string) (*domain.Account, error)
	ListRevertFailed(ctx context.Context, limit int) ([]domain.Transaction, error)
	RetryRevert(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	DeactivateAccount(ctx context.Context, identity string) (*domain.Account, error)
	ApplyExternalUpdate(ctx context.Context, update app.ExternalUpdate) (*domain.ReconcileResult, error)
}

// Handlers holds the ledger service the handlers use.
type Handlers struct {
	service       LedgerService
	validate      *validator.Validate
	webhookSecret string
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(service LedgerService, webhookSecret string) *Handlers {
	return &Handlers{
		service:       service,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		webhookSecret: strings.TrimSpace(webhookSecret),
	}
}

type registerAccountRequest struct {
	DisplayName string `json:"displayName" validate:"max=120"`
	Community   string `json:"community" validate:"required"`
}

type transferRequest struct {
	ToIdentity     string `json:"toIdentity" validate:"required,max=32"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	IdempotencyKey string `json:"idempotencyKey" validate:"omitempty,max=128"`
}

type updateCommunityRequest struct {
	Community string `json:"community" validate:"required"`
}

type reconcileRequest struct {
	ExternalID string          `json:"externalId" validate:"required"`
	Status     string          `json:"status" validate:"required"`
	Metadata   json.RawMessage `json:"metadata"`
}

type serviceErrorMapping struct {
	target error
	status int
	code   string
}

var serviceErrors = []serviceErrorMapping{
	{app.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{app.ErrInvalidTransfer, http.StatusBadRequest, "invalid_transfer"},
	{app.ErrInvalidIdentity, http.StatusBadRequest, "invalid_identity"},
	{app.ErrInvalidCommunity, http.StatusBadRequest, "invalid_community"},
	{app.ErrInvalidExternalUpdate, http.StatusBadRequest, "invalid_external_update"},
	{app.ErrInvalidLimit, http.StatusBadRequest, "invalid_limit"},
	{app.ErrAccountNotFound, http.StatusNotFound, "account_not_found"},
	{app.ErrTransactionNotFound, http.StatusNotFound, "transaction_not_found"},
	{app.ErrCommunityMismatch, http.StatusUnprocessableEntity, "community_mismatch"},
	{app.ErrAccountNotLinked, http.StatusUnprocessableEntity, "account_not_linked"},
	{app.ErrAccountDeactivated, http.StatusUnprocessableEntity, "account_deactivated"},
	{app.ErrInsufficientFunds, http.StatusPaymentRequired, "insufficient_funds"},
	{app.ErrIdempotencyKeyReused, http.StatusConflict, "idempotency_key_reused"},
	{app.ErrCommunityLocked, http.StatusConflict, "community_locked"},
	{app.ErrUnsettledTransfers, http.StatusConflict, "unsettled_transfers"},
	{app.ErrRevertNotNeeded, http.StatusConflict, "revert_not_needed"},
	{app.ErrRevertFailed, http.StatusConflict, "revert_failed"},
	{app.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
}

// writeServiceError maps an error returned by the ledger service.
func (h *Handlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	var limitErr *app.RateLimitError
	if errors.As(err, &limitErr) {
		w.Header().Set("Retry-After", strconv.Itoa(limitErr.RetryAfterSeconds))
	}
	for _, m := range serviceErrors {
		if errors.Is(err, m.target) {
			h.writeJSON(w, m.status, map[string]string{"error": m.target.Error(), "code": m.code})
			return
		}
	}
	log.Printf("level=error component=api endpoint=%s msg=\"unexpected service error\" err=%v", endpoint, err)
	h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error", "code": "internal"})
}

func (h *Handlers) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid request"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" failed "+fe.Tag())
	}
	return "Invalid request: " + strings.Join(fields, ", ")
}

func (h *Handlers) identity(w http.ResponseWriter, r *http.Request) (string, bool) {
	identity, ok := GetIdentity(r.Context())
	if !ok {
		http.Error(w, "Could not get identity from context", http.StatusInternalServerError)
	}
	return identity, ok
}

// RegisterAccountHandler registers the caller, links them to the settlement
// network and grants the signup bonus on first link.
func (h *Handlers) RegisterAccountHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req registerAccountRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.RegisterAccount(r.Context(), app.RegisterCommand{
		Identity:    identity,
		DisplayName: req.DisplayName,
		Community:   req.Community,
	})
	if err != nil {
		h.writeServiceError(w, "register_account", err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, result)
}

// GetBalanceHandler returns the caller's balance.
func (h *Handlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	view, err := h.service.GetBalance(r.Context(), identity)
	if err != nil {
		h.writeServiceError(w, "get_balance", err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// TransferHandler moves value from the caller to another account. The
// Idempotency-Key header is used when the body carries no key.
func (h *Handlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	token := strings.TrimSpace(req.IdempotencyKey)
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	log.Printf("level=info component=api endpoint=transfer outcome=accepted from=%s to=%s amount=%d idempotent=%t", identity, req.ToIdentity, req.Amount, token != "")

	result, err := h.service.Transfer(r.Context(), app.TransferCommand{
		FromIdentity:     identity,
		ToIdentity:       req.ToIdentity,
		Amount:           req.Amount,
		IdempotencyToken: token,
	})
	if err != nil {
		log.Printf("level=warn component=api endpoint=transfer outcome=rejected from=%s err=%v", identity, err)
		h.writeServiceError(w, "transfer", err)
		return
	}

	// A replay answers exactly like the first call; only the replayed flag differs.
	h.writeJSON(w, http.StatusCreated, result)
}

// GetTransferHandler returns a transaction the caller took part in.
func (h *Handlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction ID")
		return
	}

	txn, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "get_transfer", err)
		return
	}
	if txn.FromIdentity != identity && txn.ToIdentity != identity {
		h.writeServiceError(w, "get_transfer", app.ErrTransactionNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, txn)
}

// UpdateCommunityHandler moves an account to another community.
func (h *Handlers) UpdateCommunityHandler(w http.ResponseWriter, r *http.Request) {
	var req updateCommunityRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	account, err := h.service.UpdateCommunity(r.Context(), chi.URLParam(r, "identity"), req.Community)
	if err != nil {
		h.writeServiceError(w, "update_community", err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

// ListRevertFailedHandler lists transactions waiting for manual revert recovery.
func (h *Handlers) ListRevertFailedHandler(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = parsed
	}

	txns, err := h.service.ListRevertFailed(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, "list_revert_failed", err)
		return
	}
	if txns == nil {
		txns = []domain.Transaction{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txns, "count": len(txns)})
}

// RetryRevertHandler re-attempts the compensating revert of one transaction.
func (h *Handlers) RetryRevertHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction ID")
		return
	}
	txn, err := h.service.RetryRevert(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "retry_revert", err)
		return
	}
	h.writeJSON(w, http.StatusOK, txn)
}

// DeactivateAccountHandler closes an account for new transfers.
func (h *Handlers) DeactivateAccountHandler(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.DeactivateAccount(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		h.writeServiceError(w, "deactivate_account", err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

// ReconcileHandler applies a status an operator obtained out of band.
func (h *Handlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	result, err := h.service.ApplyExternalUpdate(r.Context(), app.ExternalUpdate{
		ExternalID: req.ExternalID,
		Status:     req.Status,
		Metadata:   req.Metadata,
		Source:     app.SourceAdmin,
	})
	if err != nil {
		h.writeServiceError(w, "reconcile", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// writeJSON is a helper for writing JSON responses.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
