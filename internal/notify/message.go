package notify

import (
	"bytes"
	"text/template"

	dErrors "custodia/pkg/domain-errors"
)

// Template IDs name the outbound message kinds this service can render.
const (
	TemplateConsentRequest = "consent_request"
)

// Message is a rendered-on-send notification. Params hold the template
// inputs; bodies are rendered by the sender so queued messages stay small.
type Message struct {
	Contact    string
	TemplateID string
	Params     map[string]string
}

type messageTemplate struct {
	subject string
	body    *template.Template
}

var templates = map[string]messageTemplate{
	TemplateConsentRequest: {
		subject: "Parental consent requested",
		body: template.Must(template.New(TemplateConsentRequest).Parse(
			`Hello {{.parent_name}},

A student account under your care requires parental consent before any of
its records can be shared. Review and respond here:

  {{.grant_url}}

This link expires on {{.expires_at}}. If you do not recognize this request
you can ignore this message; no data is shared without your consent.
`)),
	},
}

// Render produces the subject line and plain-text body for the message.
func (m *Message) Render() (subject, body string, err error) {
	tpl, ok := templates[m.TemplateID]
	if !ok {
		return "", "", dErrors.New(dErrors.CodeValidation, "unknown notification template "+m.TemplateID)
	}
	var buf bytes.Buffer
	if err := tpl.body.Execute(&buf, m.Params); err != nil {
		return "", "", dErrors.Wrap(err, dErrors.CodeInternal, "render notification body")
	}
	return tpl.subject, buf.String(), nil
}
