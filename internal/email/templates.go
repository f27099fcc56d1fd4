package email

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/joao-fontenele/licenseflow/internal/domain"
)

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

func mustTemplate(name, subject, body string) messageTemplate {
	return messageTemplate{
		subject: template.Must(template.New(name + ".subject").Option("missingkey=zero").Parse(subject)),
		body:    template.Must(template.New(name + ".body").Option("missingkey=zero").Parse(body)),
	}
}

var templates = map[domain.NotificationType]messageTemplate{
	domain.NotificationAccountCreated: mustTemplate("account.created",
		"Your account is ready",
		`Hi {{.first_name}},

An account was created for {{.email}} with your purchase.
Temporary password: {{.temporary_password}}
Please change it after your first sign in.
`),
	domain.NotificationAccountReactivation: mustTemplate("account.reactivation",
		"Reactivate your account",
		`Hi {{.first_name}},

We found an inactive account for this address. Use this code to reactivate it
before {{.expires_at}}: {{.reactivation_token}}
`),
	domain.NotificationAdditionalPurchase: mustTemplate("purchase.additional",
		"Thanks for shopping with us again",
		`Hi {{.first_name}},

Your new purchase has been added to your existing account.
`),
	domain.NotificationOrderCompleted: mustTemplate("order.completed",
		"Order {{.order_number}} confirmed",
		`Hi {{.first_name}},

Order {{.order_number}} is complete: {{.items}} item(s), {{.total}} {{.currency}}.
{{if .guest_download_until}}Download links stay valid until {{.guest_download_until}}.
{{else}}{{.licenses}} license(s) are available in your account.
{{end}}`),
}

// Rendered is a message ready to hand to a mail transport.
type Rendered struct {
	Subject string
	Body    string
}

func Render(t domain.NotificationType, vars map[string]string) (Rendered, error) {
	tmpl, ok := templates[t]
	if !ok {
		return Rendered{}, fmt.Errorf("no template for notification type %q", t)
	}

	var subject, body strings.Builder
	if err := tmpl.subject.Execute(&subject, vars); err != nil {
		return Rendered{}, fmt.Errorf("render subject: %w", err)
	}
	if err := tmpl.body.Execute(&body, vars); err != nil {
		return Rendered{}, fmt.Errorf("render body: %w", err)
	}

	return Rendered{Subject: subject.String(), Body: body.String()}, nil
}
