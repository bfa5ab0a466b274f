// Package mail 负责渲染并发送账号相关邮件。
package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"io"
	texttemplate "text/template"
	"time"

	"github.com/rs/zerolog/log"
	gomail "github.com/wneessen/go-mail"
)

type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// SMTP 通过 SMTP 服务器投递邮件。
type SMTP struct {
	cfg SMTPConfig
}

func NewSMTP(cfg SMTPConfig) *SMTP {
	return &SMTP{cfg: cfg}
}

func (s *SMTP) Send(ctx context.Context, msg Message) error {
	m := gomail.NewMsg()
	if err := m.FromFormat("InstaUp", s.cfg.From); err != nil {
		return fmt.Errorf("mail: from: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return fmt.Errorf("mail: to: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(gomail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		m.AddAlternativeString(gomail.TypeTextHTML, msg.HTML)
	}

	opts := []gomail.Option{
		gomail.WithPort(s.cfg.Port),
		gomail.WithTLSPolicy(gomail.TLSOpportunistic),
		gomail.WithTimeout(15 * time.Second),
	}
	if s.cfg.User != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.cfg.User),
			gomail.WithPassword(s.cfg.Password),
		)
	}
	c, err := gomail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("mail: client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("mail: send: %w", err)
	}
	return nil
}

// Log 只把邮件写入日志，未配置 SMTP 时使用。
type Log struct{}

func (Log) Send(ctx context.Context, msg Message) error {
	log.Info().Str("to", msg.To).Str("subject", msg.Subject).Str("body", msg.Text).Msg("mail not sent: smtp disabled")
	return nil
}

var (
	verifyText = texttemplate.Must(texttemplate.New("verify").Parse(
		"Hi {{.Name}},\n\nThanks for registering!\n\nYour 6-digit verification code is: {{.OTP}}\n\nThis code will expire in {{.Minutes}} minutes.\n\nRegards,\nInstaUp Team"))
	resendText = texttemplate.Must(texttemplate.New("resend").Parse(
		"Hi {{.Name}},\n\nHere is your new 6-digit verification code: {{.OTP}}\n\nThis code will expire in {{.Minutes}} minutes.\n\nRegards,\nInstaUp Team"))
	resetOTPText = texttemplate.Must(texttemplate.New("reset_otp").Parse(
		"Hello {{.Name}},\n\nYou requested a password reset. Your OTP is: {{.OTP}}\n\nIt expires in {{.Minutes}} minutes. If you did not request this, ignore this email."))
	resetOTPHTML = template.Must(template.New("reset_otp").Parse(`<div style="font-family: Arial, sans-serif; line-height: 1.5;">
<h2>Hello {{.Name}},</h2>
<p>You requested a password reset. Use the OTP below:</p>
<h1 style="letter-spacing: 4px;">{{.OTP}}</h1>
<p>This code expires in {{.Minutes}} minutes. If you did not request this, ignore this email.</p>
</div>`))
	resetLinkText = texttemplate.Must(texttemplate.New("reset_link").Parse(
		"Hello,\n\nWe received a request to reset your password. Open the link below within {{.Minutes}} minutes:\n\n{{.Link}}\n\nIf you did not request this, ignore this email."))
	resetLinkHTML = template.Must(template.New("reset_link").Parse(`<div style="font-family: Arial, sans-serif; line-height: 1.5; max-width: 500px; margin: auto; padding: 20px; border: 1px solid #eee; border-radius: 10px;">
<h2 style="color: #333;">Password Reset Request</h2>
<p>Hello,</p>
<p>We received a request to reset your password. The link is valid for {{.Minutes}} minutes.</p>
<p><a href="{{.Link}}">Reset Password</a></p>
<p>If you did not request this, ignore this email.</p>
</div>`))
	welcomeText = texttemplate.Must(texttemplate.New("welcome").Parse(
		"Hi {{.Name}},\n\nWelcome to InstaUp! Your Google account has been linked and your profile is ready."))
	welcomeHTML = template.Must(template.New("welcome").Parse(`<h2>Hi {{.Name}},</h2>
<p>Welcome to <strong>InstaUp</strong>!</p>
<p>Your Google account has been successfully linked and your profile is ready.</p>`))
)

type executable interface {
	Execute(w io.Writer, data any) error
}

func render(t executable, data any) string {
	var b bytes.Buffer
	if err := t.Execute(&b, data); err != nil {
		log.Error().Err(err).Msg("mail template")
	}
	return b.String()
}

type otpData struct {
	Name    string
	OTP     string
	Minutes int
}

func VerifyEmail(to, name, otp string, ttl time.Duration) Message {
	d := otpData{Name: name, OTP: otp, Minutes: int(ttl.Minutes())}
	return Message{To: to, Subject: "Welcome! Verify your email", Text: render(verifyText, d)}
}

func ResendOTP(to, name, otp string, ttl time.Duration) Message {
	d := otpData{Name: name, OTP: otp, Minutes: int(ttl.Minutes())}
	return Message{To: to, Subject: "Your new verification code", Text: render(resendText, d)}
}

func ResetOTP(to, name, otp string, ttl time.Duration) Message {
	if name == "" {
		name = "User"
	}
	d := otpData{Name: name, OTP: otp, Minutes: int(ttl.Minutes())}
	return Message{To: to, Subject: "Password Reset OTP", Text: render(resetOTPText, d), HTML: render(resetOTPHTML, d)}
}

func ResetLink(to, link string, ttl time.Duration) Message {
	d := struct {
		Link    string
		Minutes int
	}{link, int(ttl.Minutes())}
	return Message{To: to, Subject: "Password Reset Request", Text: render(resetLinkText, d), HTML: render(resetLinkHTML, d)}
}

func Welcome(to, name string) Message {
	d := struct{ Name string }{name}
	return Message{To: to, Subject: "Welcome to InstaUp", Text: render(welcomeText, d), HTML: render(welcomeHTML, d)}
}
