package licenses

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/licenseflow/internal/domain"
)

type fakeStore struct {
	licenses map[string]*domain.UserLicense
	extended []Extension
	err      error
}

func newFakeStore(licenses ...*domain.UserLicense) *fakeStore {
	s := &fakeStore{licenses: map[string]*domain.UserLicense{}}
	for _, l := range licenses {
		s.licenses[l.ID] = l
	}
	return s
}

func (s *fakeStore) ListForUser(_ context.Context, userID string) ([]domain.UserLicense, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.UserLicense
	for _, l := range s.licenses {
		if l.UserID == userID {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (s *fakeStore) Get(_ context.Context, id string) (*domain.UserLicense, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.licenses[id], nil
}

func (s *fakeStore) ConsumeDownload(_ context.Context, id string) (*domain.UserLicense, error) {
	if s.err != nil {
		return nil, s.err
	}
	l := s.licenses[id]
	if reason := RefusalReason(l); reason != nil {
		return nil, reason
	}
	l.DownloadsUsed++
	return l, nil
}

func (s *fakeStore) Extend(_ context.Context, id string, ext Extension) (*domain.UserLicense, *domain.LicenseRenewal, error) {
	l, ok := s.licenses[id]
	if !ok {
		return nil, nil, domain.ErrLicenseNotFound
	}
	s.extended = append(s.extended, ext)
	previous := l.ExpiresAt
	l.ExpiresAt = l.ExpiresAt.AddDate(0, ext.Months, 0)
	l.DownloadLimit += ext.Downloads
	return l, &domain.LicenseRenewal{
		LicenseID:         id,
		Type:              ext.Type,
		PreviousExpiresAt: &previous,
		NewExpiresAt:      l.ExpiresAt,
		MonthsAdded:       ext.Months,
		DownloadsAdded:    ext.Downloads,
		Actor:             ext.Actor,
	}, nil
}

func (s *fakeStore) Deactivate(_ context.Context, id string) (*domain.UserLicense, error) {
	l, ok := s.licenses[id]
	if !ok {
		return nil, domain.ErrLicenseNotFound
	}
	l.IsActive = false
	return l, nil
}

func (s *fakeStore) Renewals(_ context.Context, _ string) ([]domain.LicenseRenewal, error) {
	return []domain.LicenseRenewal{}, nil
}

func testLicense() *domain.UserLicense {
	return &domain.UserLicense{
		ID:            "lic-1",
		UserID:        "user-1",
		ProductID:     "PROD-STUDIO",
		DownloadsUsed: 4,
		DownloadLimit: 5,
		ExpiresAt:     time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		IsActive:      true,
	}
}

func newTestHandler(store Store) *Handler {
	return NewHandler(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func serve(method, pattern, target string, body io.Reader, fn http.HandlerFunc) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc(method+" "+pattern, fn)
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandler_HandleConsumeDownload(t *testing.T) {
	t.Run("consumes the last download then refuses", func(t *testing.T) {
		h := newTestHandler(newFakeStore(testLicense()))

		rec := serve(http.MethodPost, "/licenses/{id}/downloads", "/licenses/lic-1/downloads", nil, h.HandleConsumeDownload)
		require.Equal(t, http.StatusOK, rec.Code)

		var got map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.EqualValues(t, 5, got["downloads_used"])
		assert.EqualValues(t, 0, got["downloads_remaining"])

		rec = serve(http.MethodPost, "/licenses/{id}/downloads", "/licenses/lic-1/downloads", nil, h.HandleConsumeDownload)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "quota exhausted")
	})

	t.Run("unknown license is 404", func(t *testing.T) {
		h := newTestHandler(newFakeStore())

		rec := serve(http.MethodPost, "/licenses/{id}/downloads", "/licenses/nope/downloads", nil, h.HandleConsumeDownload)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("inactive license is 409", func(t *testing.T) {
		l := testLicense()
		l.IsActive = false
		h := newTestHandler(newFakeStore(l))

		rec := serve(http.MethodPost, "/licenses/{id}/downloads", "/licenses/lic-1/downloads", nil, h.HandleConsumeDownload)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "inactive")
	})

	t.Run("store failure is 500", func(t *testing.T) {
		store := newFakeStore(testLicense())
		store.err = errors.New("connection reset")
		h := newTestHandler(store)

		rec := serve(http.MethodPost, "/licenses/{id}/downloads", "/licenses/lic-1/downloads", nil, h.HandleConsumeDownload)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestHandler_HandleExtend(t *testing.T) {
	t.Run("applies a promotion", func(t *testing.T) {
		store := newFakeStore(testLicense())
		h := newTestHandler(store)

		body := strings.NewReader(`{"renewal_type":"promotion","months":6,"downloads":2,"actor":"support@example.com"}`)
		rec := serve(http.MethodPost, "/licenses/{id}/extend", "/licenses/lic-1/extend", body, h.HandleExtend)
		require.Equal(t, http.StatusOK, rec.Code)

		require.Len(t, store.extended, 1)
		assert.Equal(t, domain.RenewalPromotion, store.extended[0].Type)
		assert.Equal(t, 7, store.licenses["lic-1"].DownloadLimit)
		assert.Contains(t, rec.Body.String(), `"renewal_type":"promotion"`)
	})

	t.Run("purchase renewals cannot be created by hand", func(t *testing.T) {
		store := newFakeStore(testLicense())
		h := newTestHandler(store)

		body := strings.NewReader(`{"renewal_type":"purchase","months":6,"actor":"support@example.com"}`)
		rec := serve(http.MethodPost, "/licenses/{id}/extend", "/licenses/lic-1/extend", body, h.HandleExtend)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, store.extended)
	})

	t.Run("empty extension is rejected", func(t *testing.T) {
		h := newTestHandler(newFakeStore(testLicense()))

		body := strings.NewReader(`{"renewal_type":"admin_manual","actor":"ops"}`)
		rec := serve(http.MethodPost, "/licenses/{id}/extend", "/licenses/lic-1/extend", body, h.HandleExtend)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		h := newTestHandler(newFakeStore(testLicense()))

		rec := serve(http.MethodPost, "/licenses/{id}/extend", "/licenses/lic-1/extend", strings.NewReader("{"), h.HandleExtend)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandler_HandleDeactivate(t *testing.T) {
	store := newFakeStore(testLicense())
	h := newTestHandler(store)

	rec := serve(http.MethodPost, "/licenses/{id}/deactivate", "/licenses/lic-1/deactivate", nil, h.HandleDeactivate)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, store.licenses["lic-1"].IsActive)

	rec = serve(http.MethodPost, "/licenses/{id}/deactivate", "/licenses/missing/deactivate", nil, h.HandleDeactivate)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_HandleGetAndList(t *testing.T) {
	h := newTestHandler(newFakeStore(testLicense()))

	rec := serve(http.MethodGet, "/licenses/{id}", "/licenses/lic-1", nil, h.HandleGet)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"downloads_remaining":1`)

	rec = serve(http.MethodGet, "/licenses/{id}", "/licenses/missing", nil, h.HandleGet)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(http.MethodGet, "/users/{userId}/licenses", "/users/user-1/licenses", nil, h.HandleListForUser)
	require.Equal(t, http.StatusOK, rec.Code)

	var views []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "PROD-STUDIO", views[0]["product_id"])

	rec = serve(http.MethodGet, "/users/{userId}/licenses", "/users/nobody/licenses", nil, h.HandleListForUser)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}
