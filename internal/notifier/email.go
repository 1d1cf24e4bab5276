package notifier

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/opsql/sqlalertd/internal/alertdef"
)

// EmailSender delivers notifications via SMTP using gomail.v2.
type EmailSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	dialer   *gomail.Dialer
}

func NewEmailSender(host string, port int, username, password, from string) *EmailSender {
	return &EmailSender{
		Host: host, Port: port, Username: username, Password: password, From: from,
		dialer: gomail.NewDialer(host, port, username, password),
	}
}

func (s *EmailSender) Send(ctx context.Context, target alertdef.NotificationTarget, msg Message) (int, error) {
	subject := renderSubject(target.SubjectTemplate, msg)
	body := renderBody(msg)

	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", target.Recipients...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	return withRetry(ctx, func(attemptCtx context.Context) (bool, error) {
		errCh := make(chan error, 1)
		go func() { errCh <- s.dialer.DialAndSend(m) }()

		select {
		case err := <-errCh:
			if err == nil {
				return false, nil
			}
			return isRetryableSMTP(err), err
		case <-attemptCtx.Done():
			return true, attemptCtx.Err()
		}
	})
}

func renderSubject(tmpl string, msg Message) string {
	if tmpl == "" {
		tmpl = "[{alert_name}] {status}"
	}
	r := strings.NewReplacer(
		"{alert_name}", msg.AlertName,
		"{status}", msg.Status,
	)
	return r.Replace(tmpl)
}

func renderBody(msg Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "alert: %s\n", msg.AlertName)
	fmt.Fprintf(&b, "status: %s\n", msg.Status)
	if msg.ActualValue != nil {
		fmt.Fprintf(&b, "actual_value: %g\n", *msg.ActualValue)
	}
	if msg.Threshold != nil {
		fmt.Fprintf(&b, "threshold: %g\n", *msg.Threshold)
	}
	fmt.Fprintf(&b, "timestamp: %s\n", msg.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	b.WriteString(renderContextBlock(msg))
	return b.String()
}

func isRetryableSMTP(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "temporarily") ||
		strings.Contains(msg, "i/o timeout")
}
