package notify

import (
	"context"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	dErrors "custodia/pkg/domain-errors"
)

var (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

// SendgridSender delivers messages through the SendGrid v3 mail API.
type SendgridSender struct {
	key  string
	from *sgmail.Email
}

func NewSendgridSender(key, senderName, senderAddress string) *SendgridSender {
	return &SendgridSender{
		key:  key,
		from: sgmail.NewEmail(senderName, senderAddress),
	}
}

func (s *SendgridSender) Send(ctx context.Context, msg *Message) error {
	subject, body, err := msg.Render()
	if err != nil {
		return err
	}

	p := sgmail.NewPersonalization()
	p.Subject = subject
	p.AddTos(sgmail.NewEmail("", msg.Contact))

	m := sgmail.NewV3Mail()
	m.SetFrom(s.from)
	m.AddPersonalizations(p)
	m.AddContent(sgmail.NewContent("text/plain", body))

	req := sendgrid.GetRequest(s.key, sendgridEndpoint, sendgridHost)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(m)

	res, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "send notification")
	}
	if res.StatusCode >= http.StatusBadRequest {
		return dErrors.New(dErrors.CodeInternal, "send notification: sendgrid status "+http.StatusText(res.StatusCode))
	}
	return nil
}
