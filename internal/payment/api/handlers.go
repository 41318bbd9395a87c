package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"paysettle/internal/common/api"
	"paysettle/internal/payment"
	"paysettle/internal/payment/domain"
)

// Handler handles payment HTTP requests
type Handler struct {
	service *payment.Service
}

// NewHandler creates a new payment handler
func NewHandler(service *payment.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the payment routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/payments", h.CreatePayment)
	r.Get("/payments/{id}", h.GetPayment)
	r.Get("/payments/external/{externalID}", h.GetPaymentByExternalID)
	r.Post("/payments/{id}/cancel", h.CancelPayment)
	r.Get("/accounts/{id}/payments", h.ListAccountPayments)

	return r
}

// CreatePayment handles POST /payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req payment.CreateRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	p, err := h.service.Create(r.Context(), req)
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, p)
}

// GetPayment handles GET /payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// GetPaymentByExternalID handles GET /payments/external/{externalID}
func (h *Handler) GetPaymentByExternalID(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetByExternalID(r.Context(), chi.URLParam(r, "externalID"))
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// CancelPayment handles POST /payments/{id}/cancel
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.ApplyTransition(r.Context(), chi.URLParam(r, "id"), domain.StatusCancelled)
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// ListAccountPayments handles GET /accounts/{id}/payments
func (h *Handler) ListAccountPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.service.ListByAccount(r.Context(), chi.URLParam(r, "id"), api.QueryInt(r, "limit", 50))
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, payments)
}
