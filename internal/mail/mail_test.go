package mail

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplates(t *testing.T) {
	tests := []struct {
		name     string
		msg      Message
		subject  string
		contains []string
		html     bool
	}{
		{"verify", VerifyEmail("a@x.io", "Ann", "123456", 10*time.Minute), "Welcome! Verify your email", []string{"Hi Ann", "123456", "10 minutes"}, false},
		{"resend", ResendOTP("a@x.io", "Ann", "654321", 10*time.Minute), "Your new verification code", []string{"654321"}, false},
		{"reset otp", ResetOTP("a@x.io", "", "111222", 15*time.Minute), "Password Reset OTP", []string{"Hello User", "111222", "15 minutes"}, true},
		{"reset link", ResetLink("a@x.io", "http://app/reset-password?email=a&token=t", 10*time.Minute), "Password Reset Request", []string{"http://app/reset-password?email=a&token=t"}, true},
		{"welcome", Welcome("a@x.io", "Ann"), "Welcome to InstaUp", []string{"Hi Ann"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, "a@x.io", tt.msg.To)
			assert.Equal(t, tt.subject, tt.msg.Subject)
			for _, want := range tt.contains {
				assert.Contains(t, tt.msg.Text, want)
			}
			assert.Equal(t, tt.html, tt.msg.HTML != "")
		})
	}
}

func TestResetLink_HTMLEscapesQuery(t *testing.T) {
	msg := ResetLink("a@x.io", "http://app/reset-password?email=a&token=t", 10*time.Minute)
	assert.Contains(t, msg.HTML, "email=a&amp;token=t")
}

func TestLogSender(t *testing.T) {
	assert.NoError(t, Log{}.Send(context.Background(), Welcome("a@x.io", "Ann")))
}

func TestSMTP_UnreachableRelay(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	s := NewSMTP(SMTPConfig{Host: "127.0.0.1", Port: port, From: "noreply@instaup.dev"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = s.Send(ctx, Welcome("a@x.io", "Ann"))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "mail: send"), err.Error())
}

func TestSMTP_InvalidRecipient(t *testing.T) {
	s := NewSMTP(SMTPConfig{Host: "127.0.0.1", Port: 25, From: "noreply@instaup.dev"})
	err := s.Send(context.Background(), Message{To: "not an address", Subject: "x", Text: "y"})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "mail: to"), err.Error())
}
