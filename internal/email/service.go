// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Service provides email sending
type Service struct {
	config   Config
	server   string
	auth     smtp.Auth
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewService creates a new email service
func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	return &Service{
		config:   config,
		server:   config.Host + ":" + config.Port,
		auth:     auth,
		sendMail: smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return s.sendMail(s.server, s.auth, s.config.From, to, msg)
}

// SendHTMLEmail sends an HTML email
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	// Simple multipart message
	boundary := "boundary-coedit"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	// Plain text part (fallback)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", subject)
	fmt.Fprintf(&msg, "\r\n")

	// HTML part
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.sendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// ReviewData fills the proposal review notice sent to a proposer.
type ReviewData struct {
	AppName    string
	FileName   string
	ProposalID string
	Status     string
	Reviewer   string
	Message    string
}

// SubmittedData fills the notice sent to reviewers when a proposal arrives.
type SubmittedData struct {
	AppName    string
	FileName   string
	ProposalID string
	Proposer   string
	Added      int
	Removed    int
}

// SendReviewNotice tells a proposer their proposal was approved or rejected.
func (s *Service) SendReviewNotice(to string, data ReviewData) error {
	if data.AppName == "" {
		data.AppName = s.appName()
	}
	subject := fmt.Sprintf("Your change to %s was %s", data.FileName, data.Status)
	html, err := renderTemplate(reviewEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render review template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendSubmittedNotice tells reviewers a new proposal awaits them.
func (s *Service) SendSubmittedNotice(to []string, data SubmittedData) error {
	if len(to) == 0 {
		return nil
	}
	if data.AppName == "" {
		data.AppName = s.appName()
	}
	subject := fmt.Sprintf("New change proposed for %s", data.FileName)
	html, err := renderTemplate(submittedEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render submitted template: %w", err)
	}
	return s.SendHTMLEmail(to, subject, html)
}

func (s *Service) appName() string {
	if s.config.FromName != "" {
		return s.config.FromName
	}
	return "Coedit"
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reviewEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Your change was {{.Status}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .message { background: #f5f7fa; padding: 12px; border-radius: 4px; margin: 20px 0; white-space: pre-wrap; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Your change to {{.FileName}} was {{.Status}}</h2>

    <p>{{.Reviewer}} reviewed proposal <code>{{.ProposalID}}</code>.</p>
    {{if .Message}}
    <div class="message">{{.Message}}</div>
    {{end}}
    {{if eq .Status "rejected"}}
    <p>Your edits have been removed from the live file. Edits made by others since your proposal were kept.</p>
    {{end}}

    <div class="footer">
        <p>You received this because you proposed a change in {{.AppName}}.</p>
    </div>
</body>
</html>`

const submittedEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>New change proposed for {{.FileName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .stats { font-family: monospace; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>{{.Proposer}} proposed a change to {{.FileName}}</h2>

    <p class="stats">+{{.Added}} / -{{.Removed}} lines</p>
    <p>Proposal <code>{{.ProposalID}}</code> is waiting for review.</p>

    <div class="footer">
        <p>You received this because you are an admin of this project in {{.AppName}}.</p>
    </div>
</body>
</html>`
