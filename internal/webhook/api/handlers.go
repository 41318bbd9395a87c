package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"paysettle/internal/common/api"
	"paysettle/internal/webhook"
	"paysettle/internal/webhook/domain"
)

const maxWebhookBody = 1 << 20

// Handler receives provider webhooks
type Handler struct {
	intake *webhook.Intake
	guard  *webhook.Guard
	events webhook.EventRepository
	logger *slog.Logger
}

// NewHandler creates a new webhook handler
func NewHandler(intake *webhook.Intake, guard *webhook.Guard, events webhook.EventRepository, logger *slog.Logger) *Handler {
	return &Handler{intake: intake, guard: guard, events: events, logger: logger}
}

// Routes returns the webhook routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/webhooks/{provider}", h.Receive)
	r.Get("/webhooks/events/{id}", h.GetEvent)
	r.Get("/webhooks/health", h.Health)

	return r
}

// Receive handles POST /webhooks/{provider}. The answer only says whether
// the delivery was accepted or already known; settlement happens later.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	provider := domain.Provider(chi.URLParam(r, "provider"))
	if !provider.Valid() {
		api.NotFound(w, "unknown provider")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("failed to read webhook body", "provider", provider, "error", err)
		api.BadRequest(w, "failed to read body")
		return
	}

	receipt, err := h.intake.Receive(r.Context(), provider, body)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidPayload) {
			h.logger.Warn("rejected webhook payload", "provider", provider, "error", err)
			api.BadRequest(w, err.Error())
			return
		}
		h.logger.Error("failed to receive webhook", "provider", provider, "error", err)
		api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodeServiceUnavail, "webhook not recorded, retry later")
		return
	}

	api.WriteData(w, http.StatusOK, receipt)
}

// GetEvent handles GET /webhooks/events/{id}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	e, err := h.events.GetEvent(r.Context(), nil, chi.URLParam(r, "id"))
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, e)
}

// Health handles GET /webhooks/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.guard.HealthCheck(r.Context())
	status := http.StatusOK
	if !health.Database {
		status = http.StatusServiceUnavailable
	}
	api.WriteData(w, status, health)
}
