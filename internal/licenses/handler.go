package licenses

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/joao-fontenele/licenseflow/internal/domain"
)

// Store is the subset of LicenseRepository the HTTP handlers need.
type Store interface {
	ListForUser(ctx context.Context, userID string) ([]domain.UserLicense, error)
	Get(ctx context.Context, id string) (*domain.UserLicense, error)
	ConsumeDownload(ctx context.Context, id string) (*domain.UserLicense, error)
	Extend(ctx context.Context, id string, ext Extension) (*domain.UserLicense, *domain.LicenseRenewal, error)
	Deactivate(ctx context.Context, id string) (*domain.UserLicense, error)
	Renewals(ctx context.Context, licenseID string) ([]domain.LicenseRenewal, error)
}

type Handler struct {
	store    Store
	validate *validator.Validate
	logger   *slog.Logger
}

func NewHandler(store Store, logger *slog.Logger) *Handler {
	return &Handler{
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

type licenseView struct {
	domain.UserLicense
	DownloadsRemaining int `json:"downloads_remaining"`
}

func view(l *domain.UserLicense) licenseView {
	return licenseView{UserLicense: *l, DownloadsRemaining: l.DownloadsRemaining()}
}

func (h *Handler) HandleListForUser(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	licenses, err := h.store.ListForUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list licenses", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	views := make([]licenseView, 0, len(licenses))
	for i := range licenses {
		views = append(views, view(&licenses[i]))
	}

	h.logger.Info("licenses listed", "user_id", userID, "count", len(views))
	h.writeJSON(w, http.StatusOK, views)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing license id")
		return
	}

	license, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get license", "error", err, "license_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if license == nil {
		h.writeError(w, http.StatusNotFound, "license not found")
		return
	}

	h.writeJSON(w, http.StatusOK, view(license))
}

func (h *Handler) HandleRenewals(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing license id")
		return
	}

	renewals, err := h.store.Renewals(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list renewals", "error", err, "license_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, renewals)
}

func (h *Handler) HandleConsumeDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing license id")
		return
	}

	license, err := h.store.ConsumeDownload(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "failed to consume download", id)
		return
	}

	h.logger.Info("download consumed", "license_id", id, "downloads_used", license.DownloadsUsed,
		"download_limit", license.DownloadLimit)
	h.writeJSON(w, http.StatusOK, view(license))
}

func (h *Handler) HandleExtend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing license id")
		return
	}

	var ext Extension
	if err := json.NewDecoder(r.Body).Decode(&ext); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(ext); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ext.Months == 0 && ext.Downloads == 0 {
		h.writeError(w, http.StatusBadRequest, "extension must add months or downloads")
		return
	}

	license, renewal, err := h.store.Extend(r.Context(), id, ext)
	if err != nil {
		h.writeDomainError(w, err, "failed to extend license", id)
		return
	}

	h.logger.Info("license extended", "license_id", id, "renewal_type", ext.Type,
		"months", ext.Months, "downloads", ext.Downloads, "actor", ext.Actor)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"license": view(license),
		"renewal": renewal,
	})
}

func (h *Handler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing license id")
		return
	}

	license, err := h.store.Deactivate(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "failed to deactivate license", id)
		return
	}

	h.logger.Info("license deactivated", "license_id", id)
	h.writeJSON(w, http.StatusOK, view(license))
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error, msg, licenseID string) {
	switch {
	case errors.Is(err, domain.ErrLicenseNotFound):
		h.writeError(w, http.StatusNotFound, "license not found")
	case errors.Is(err, domain.ErrQuotaExhausted):
		h.writeError(w, http.StatusConflict, "download quota exhausted")
	case errors.Is(err, domain.ErrLicenseInactive):
		h.writeError(w, http.StatusConflict, "license is inactive")
	default:
		h.logger.Error(msg, "error", err, "license_id", licenseID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
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
