// Package email renders notification emails and hands them to the mail transport.
package email

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/joao-fontenele/licenseflow/internal/domain"
)

type Handler struct {
	from     string
	validate *validator.Validate
	logger   *slog.Logger
}

func NewHandler(from string, logger *slog.Logger) *Handler {
	return &Handler{
		from:     from,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

type sendRequest struct {
	Type      domain.NotificationType `json:"type" validate:"required"`
	To        string                  `json:"to" validate:"required,email"`
	Variables map[string]string       `json:"variables"`
}

type sendResponse struct {
	Status  string `json:"status"`
	Subject string `json:"subject"`
}

func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := Render(req.Type, req.Variables)
	if err != nil {
		h.logger.Warn("cannot render email", "error", err, "type", req.Type)
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	// The body may carry credentials, so only the envelope is logged.
	h.logger.Info("email sent", "from", h.from, "to", req.To, "type", req.Type, "subject", msg.Subject,
		"body_bytes", len(msg.Body))

	h.writeJSON(w, http.StatusOK, sendResponse{Status: "sent", Subject: msg.Subject})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
