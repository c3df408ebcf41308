// Package email delivers transactional notification email.
//
// Senders: SMTP (go-message + go-smtp), SendGrid, and a log-only sender for
// development. Wrap any of them with NewLimited to cap the provider rate.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"

	"tasknotify/internal/notify"
	logx "tasknotify/pkg/logx"
)

// ErrNoAddress means the recipient has no deliverable email address.
var ErrNoAddress = errors.New("email: recipient has no address")

// Message is one outgoing email.
type Message struct {
	To      string
	ToName  string
	Subject string
	Text    string
	HTML    string
}

// Sender hands a message to an email provider.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

var htmlTmpl = template.Must(template.New("notification").Parse(`<!doctype html>
<html><body style="font-family:sans-serif">
<p>Hi {{.Name}},</p>
<p><strong>{{.Title}}</strong></p>
{{if .Body}}<p>{{.Body}}</p>{{end}}
{{if .Link}}<p><a href="{{.Link}}">Open task</a></p>{{end}}
<p style="color:#888;font-size:12px">You can change which emails you receive in your notification preferences.</p>
</body></html>`))

// Compose renders c into an email for u. baseURL prefixes the app-relative task link.
func Compose(u notify.User, c notify.Content, baseURL string) (Message, error) {
	addr := strings.TrimSpace(u.Email)
	if addr == "" {
		return Message{}, ErrNoAddress
	}
	name := u.DisplayName()
	if name == "" {
		name = "there"
	}
	link := ""
	if c.URL != "" {
		link = strings.TrimRight(baseURL, "/") + c.URL
	}

	var text strings.Builder
	fmt.Fprintf(&text, "Hi %s,\n\n%s\n", name, c.Title)
	if c.Body != "" {
		fmt.Fprintf(&text, "\n%s\n", c.Body)
	}
	if link != "" {
		fmt.Fprintf(&text, "\nOpen task: %s\n", link)
	}

	var html bytes.Buffer
	err := htmlTmpl.Execute(&html, struct {
		Name, Title, Body string
		Link              template.URL
	}{name, c.Title, c.Body, template.URL(link)})
	if err != nil {
		return Message{}, fmt.Errorf("rendering email: %w", err)
	}

	return Message{
		To:      addr,
		ToName:  u.DisplayName(),
		Subject: c.Title,
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}

// LogSender writes messages to the log instead of sending them.
type LogSender struct {
	Log logx.Logger
}

func (s LogSender) Send(ctx context.Context, msg Message) error {
	s.Log.Info("email (log driver)",
		logx.String("to", msg.To),
		logx.String("subject", msg.Subject),
	)
	return nil
}
