// Package email sends account invitations over SMTP.
package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/mail"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"agora/api/internal/auth"
	"agora/api/internal/util"
)

// InviteAudience is the token audience the identity provider accepts when an
// invited account sets its password.
const InviteAudience = "invite"

type Config struct {
	Host      string
	Port      string
	Username  string
	Password  string
	From      string
	FromName  string
	InviteURL string
	InviteTTL time.Duration
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	secret []byte
	send   sendFunc
}

func NewService(config Config, inviteSecret string) *Service {
	if config.InviteTTL <= 0 {
		config.InviteTTL = 72 * time.Hour
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   smtp.PlainAuth("", config.Username, config.Password, config.Host),
		secret: []byte(inviteSecret),
		send:   smtp.SendMail,
	}
}

func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != "" && s.config.InviteURL != ""
}

// Invite reserves an account id for address and mails it a signed link to
// finish sign-up with the identity provider. It returns the account id.
func (s *Service) Invite(ctx context.Context, address string) (string, error) {
	if !s.IsConfigured() {
		return "", fmt.Errorf("email not configured")
	}
	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return "", fmt.Errorf("parse invite address: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	accountID := util.NewID("")
	token, err := auth.IssueToken(s.secret, InviteAudience, auth.Claims{
		Subject:    accountID,
		Email:      parsed.Address,
		ValidUntil: time.Now().Add(s.config.InviteTTL),
	})
	if err != nil {
		return "", fmt.Errorf("issue invite token: %w", err)
	}

	link, err := url.Parse(s.config.InviteURL)
	if err != nil {
		return "", fmt.Errorf("parse invite url: %w", err)
	}
	query := link.Query()
	query.Set("token", token)
	link.RawQuery = query.Encode()

	html, err := renderTemplate(invitationEmailTemplate, InvitationData{
		AppName:   "Agora",
		InviteURL: link.String(),
		ExpiresIn: humanDuration(s.config.InviteTTL),
	})
	if err != nil {
		return "", fmt.Errorf("render invitation template: %w", err)
	}
	if err := s.SendHTMLEmail([]string{parsed.Address}, "You're invited to Agora", html); err != nil {
		return "", fmt.Errorf("send invitation: %w", err)
	}
	return accountID, nil
}

func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-agora"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	// Plain text fallback
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type InvitationData struct {
	AppName   string
	InviteURL string
	ExpiresIn string
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func humanDuration(d time.Duration) string {
	if d >= 24*time.Hour && d%(24*time.Hour) == 0 {
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	hours := int(d.Round(time.Hour) / time.Hour)
	if hours <= 1 {
		return "1 hour"
	}
	return fmt.Sprintf("%d hours", hours)
}

const invitationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Join {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #2f855a; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #2f855a; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #2f855a; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>You have been invited</h2>

    <p>An organizer created an account for you on the conference dashboard. Finish signing up to vote on suggestions and join the discussion.</p>

    <p>
        <a href="{{.InviteURL}}" class="button">Accept invitation</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.InviteURL}}</p>

    <p>This invitation expires in {{.ExpiresIn}}.</p>

    <div class="footer">
        <p>If you were not expecting this invitation, you can safely ignore this email.</p>
    </div>
</body>
</html>`
