package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/licenseflow/internal/domain"
	"github.com/joao-fontenele/licenseflow/internal/messaging"
)

func notificationMessage(t *testing.T, n domain.Notification) messaging.Message {
	t.Helper()
	data, err := json.Marshal(n)
	require.NoError(t, err)
	return messaging.Message{Key: n.RecipientEmail, EventType: string(n.Type), Value: data}
}

func newTestHandler(url string) *NotificationHandler {
	return NewNotificationHandler(url, http.DefaultClient, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNotificationHandler_Handle(t *testing.T) {
	n := domain.Notification{
		Type:              domain.NotificationAccountCreated,
		RecipientEmail:    "ada@example.com",
		TemplateVariables: map[string]string{"first_name": "Ada", "temporary_password": "s3cret"},
		Timestamp:         time.Now().UTC(),
	}

	t.Run("posts the notification to the email service", func(t *testing.T) {
		var got SendRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/send", r.URL.Path)
			assert.Equal(t, http.MethodPost, r.Method)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		err := newTestHandler(server.URL).Handle(context.Background(), notificationMessage(t, n))
		require.NoError(t, err)

		assert.Equal(t, domain.NotificationAccountCreated, got.Type)
		assert.Equal(t, "ada@example.com", got.To)
		assert.Equal(t, "Ada", got.Variables["first_name"])
	})

	t.Run("server errors are retried", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		err := newTestHandler(server.URL).Handle(context.Background(), notificationMessage(t, n))
		require.Error(t, err)
		assert.False(t, messaging.IsPermanent(err))
	})

	t.Run("rejected requests are dropped", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer server.Close()

		err := newTestHandler(server.URL).Handle(context.Background(), notificationMessage(t, n))
		require.Error(t, err)
		assert.True(t, messaging.IsPermanent(err))
	})

	t.Run("undecodable payload is dropped", func(t *testing.T) {
		err := newTestHandler("http://unused").Handle(context.Background(), messaging.Message{Value: []byte("{")})
		require.Error(t, err)
		assert.True(t, messaging.IsPermanent(err))
	})

	t.Run("unreachable email service is retried", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := server.URL
		server.Close()

		err := newTestHandler(url).Handle(context.Background(), notificationMessage(t, n))
		require.Error(t, err)
		assert.False(t, messaging.IsPermanent(err))
	})
}
