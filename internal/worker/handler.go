// Package worker delivers notification events to the email service.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/licenseflow/internal/domain"
	"github.com/joao-fontenele/licenseflow/internal/messaging"
)

// SendRequest is the body of POST /send on the email service.
type SendRequest struct {
	Type      domain.NotificationType `json:"type"`
	To        string                  `json:"to"`
	Variables map[string]string       `json:"variables"`
}

type NotificationHandler struct {
	emailServiceURL string
	httpClient      *http.Client
	logger          *slog.Logger
}

func NewNotificationHandler(emailServiceURL string, client *http.Client, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		emailServiceURL: emailServiceURL,
		httpClient:      client,
		logger:          logger,
	}
}

// Handle sends one notification. Undecodable events and requests the email
// service refuses are permanent; everything else is retried by redelivery.
func (h *NotificationHandler) Handle(ctx context.Context, msg messaging.Message) error {
	var n domain.Notification
	if err := json.Unmarshal(msg.Value, &n); err != nil {
		return messaging.Permanent(fmt.Errorf("unmarshal notification: %w", err))
	}
	if n.RecipientEmail == "" || n.Type == "" {
		return messaging.Permanent(fmt.Errorf("notification missing type or recipient"))
	}

	h.logger.Info("processing notification", "type", n.Type, "event_type", msg.EventType)

	status, err := h.sendEmail(ctx, SendRequest{
		Type:      n.Type,
		To:        n.RecipientEmail,
		Variables: n.TemplateVariables,
	})
	if err != nil {
		h.logger.Error("failed to send email", "error", err, "type", n.Type)
		return fmt.Errorf("send email: %w", err)
	}

	switch {
	case status == http.StatusOK:
	case status >= 400 && status < 500:
		return messaging.Permanent(fmt.Errorf("email service rejected %s notification with status %d", n.Type, status))
	default:
		return fmt.Errorf("email service returned status %d", status)
	}

	h.logger.Info("notification delivered", "type", n.Type)
	return nil
}

func (h *NotificationHandler) sendEmail(ctx context.Context, body SendRequest) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.emailServiceURL+"/send", bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode, nil
}
