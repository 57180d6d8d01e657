package mail

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gopkg.in/gomail.v2"
)

type captureSender struct {
	messages []*gomail.Message
	err      error
}

func (c *captureSender) DialAndSend(m ...*gomail.Message) error {
	c.messages = append(c.messages, m...)
	return c.err
}

func TestSendVerificationCode_IncludesCodeAndLocation(t *testing.T) {
	capture := &captureSender{}
	mailer := &Mailer{dialer: capture, from: "guard@example.com", appName: "ipguard"}

	if err := mailer.SendVerificationCode(context.Background(), "user@example.com", "042517", "Berlin, Berlin, Germany", 10*time.Minute); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(capture.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(capture.messages))
	}

	msg := capture.messages[0]
	if got := msg.GetHeader("To"); len(got) != 1 || got[0] != "user@example.com" {
		t.Fatalf("to = %v", got)
	}

	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		t.Fatalf("write message: %v", err)
	}
	body := buf.String()
	for _, want := range []string{"042517", "Berlin, Berlin, Germany"} {
		if !strings.Contains(body, want) {
			t.Fatalf("message body missing %q", want)
		}
	}
}

func TestSendVerificationCode_WrapsDialError(t *testing.T) {
	dialErr := errors.New("connection refused")
	mailer := &Mailer{dialer: &captureSender{err: dialErr}, from: "guard@example.com", appName: "ipguard"}

	err := mailer.SendVerificationCode(context.Background(), "user@example.com", "000001", "", time.Minute)
	if !errors.Is(err, dialErr) {
		t.Fatalf("err = %v, want wrapped dial error", err)
	}
}

func TestSendVerificationCode_CancelledContext(t *testing.T) {
	capture := &captureSender{}
	mailer := &Mailer{dialer: capture, from: "guard@example.com", appName: "ipguard"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := mailer.SendVerificationCode(ctx, "user@example.com", "000001", "", time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(capture.messages) != 0 {
		t.Fatal("no message should be sent after cancellation")
	}
}

func TestFromEnv_DisabledWithoutHost(t *testing.T) {
	t.Setenv("SMTP_HOST", "")
	if m := FromEnv("ipguard"); m != nil {
		t.Fatal("expected nil mailer without SMTP_HOST")
	}
}
