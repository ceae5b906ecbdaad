package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	gomail "gopkg.in/gomail.v2"
)

const (
	KindBookingConfirmation = "booking_confirmation"
	KindTokenCalled         = "token_called"
)

// Message is a notification to a single recipient. Fields carry the
// template values for the message kind.
type Message struct {
	Recipient string
	Kind      string
	Fields    map[string]string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// EmailSender delivers messages over SMTP.
type EmailSender struct {
	dialer *gomail.Dialer
	from   string
}

func NewEmailSender(host string, port int, username, password, from string) *EmailSender {
	return &EmailSender{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	if msg.Recipient == "" {
		return fmt.Errorf("notify: empty recipient")
	}
	subject, body, err := render(msg)
	if err != nil {
		return err
	}

	mail := gomail.NewMessage()
	mail.SetHeader("From", s.from)
	mail.SetHeader("To", msg.Recipient)
	mail.SetHeader("Subject", subject)
	mail.SetBody("text/plain", body)

	done := make(chan error, 1)
	go func() {
		done <- s.dialer.DialAndSend(mail)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSender writes notifications to the log instead of delivering them.
// Used when SMTP is not configured.
type LogSender struct {
	log zerolog.Logger
}

func NewLogSender(log zerolog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	subject, body, err := render(msg)
	if err != nil {
		return err
	}
	s.log.Info().
		Str("recipient", msg.Recipient).
		Str("kind", msg.Kind).
		Str("subject", subject).
		Msg(body)
	return nil
}

func render(msg Message) (subject, body string, err error) {
	switch msg.Kind {
	case KindBookingConfirmation:
		subject = fmt.Sprintf("Your token %s is booked", msg.Fields["display_number"])
		body = fmt.Sprintf(
			"Your appointment token for %s on %s is %s. Please arrive before your number is called.",
			msg.Fields["department"], msg.Fields["date"], msg.Fields["display_number"],
		)
		return subject, body, nil
	case KindTokenCalled:
		subject = fmt.Sprintf("Token %s is now being served", msg.Fields["display_number"])
		body = fmt.Sprintf(
			"Token %s is now being served at %s. Please proceed to the counter.",
			msg.Fields["display_number"], msg.Fields["department"],
		)
		return subject, body, nil
	default:
		return "", "", fmt.Errorf("notify: unknown message kind %q", msg.Kind)
	}
}
