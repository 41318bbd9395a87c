package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"paysettle/internal/common/api"
	"paysettle/internal/common/errs"
	"paysettle/internal/ledger"
)

// Handler handles ledger HTTP requests
type Handler struct {
	service *ledger.Service
}

// NewHandler creates a new ledger handler
func NewHandler(service *ledger.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the ledger routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/accounts", h.CreateAccount)
	r.Get("/accounts/{id}", h.GetAccount)
	r.Get("/accounts/{id}/transactions", h.ListTransactions)
	r.Get("/accounts/{id}/reconciliation", h.Reconcile)
	r.Get("/owners/{ownerID}/primary-account", h.GetPrimaryAccount)

	for _, op := range []ledger.Operation{
		ledger.OpCredit,
		ledger.OpDebit,
		ledger.OpReserve,
		ledger.OpReleaseReserve,
		ledger.OpConfirmReserve,
	} {
		r.Post("/accounts/{id}/"+string(op), h.Move(op))
	}

	return r
}

// CreateAccount handles POST /accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req ledger.CreateAccountRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	account, err := h.service.CreateAccount(r.Context(), req)
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, account)
}

// GetAccount handles GET /accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, account)
}

// GetPrimaryAccount handles GET /owners/{ownerID}/primary-account
func (h *Handler) GetPrimaryAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.GetPrimaryAccount(r.Context(), chi.URLParam(r, "ownerID"))
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, account)
}

// MovementRequest is the API request for a direct balance movement
type MovementRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	ReferenceID   string          `json:"reference_id" validate:"max=255"`
	ReferenceType string          `json:"reference_type" validate:"max=50"`
	Description   string          `json:"description"`
	Metadata      map[string]any  `json:"metadata"`
}

// Move handles POST /accounts/{id}/{op}
func (h *Handler) Move(op ledger.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MovementRequest
		if err := api.DecodeAndValidate(r, &req); err != nil {
			api.ValidationError(w, err)
			return
		}

		movement, err := h.service.Apply(r.Context(), op, ledger.MovementRequest{
			AccountID:     chi.URLParam(r, "id"),
			Amount:        req.Amount,
			ReferenceID:   req.ReferenceID,
			ReferenceType: req.ReferenceType,
			Description:   req.Description,
			Metadata:      req.Metadata,
		})
		if err != nil {
			api.WriteDomainError(w, err)
			return
		}

		api.WriteData(w, http.StatusOK, movement)
	}
}

// ListTransactions handles GET /accounts/{id}/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := api.QueryInt(r, "limit", 50)

	txs, err := h.service.ListTransactions(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, txs)
}

// Reconcile handles GET /accounts/{id}/reconciliation. An unbalanced account
// still returns its report, with status 409.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Reconcile(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		api.WriteData(w, http.StatusOK, report)
	case report != nil && errors.Is(err, errs.ErrInvalidState):
		api.WriteData(w, http.StatusConflict, report)
	default:
		api.WriteDomainError(w, err)
	}
}
