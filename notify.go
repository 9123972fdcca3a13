package plateimager

import (
	"context"
	"fmt"
	"os"

	"github.com/wneessen/go-mail"
	"go.viam.com/rdk/logging"
)

// notifier sends the end-of-run report. Implementations are best-effort:
// the run's outcome is already fixed by the time a notification goes out,
// so callers log send failures and move on.
type notifier interface {
	Notify(ctx context.Context, success bool, recipients []string, experiment, message string, attachments []string) error
}

// mailNotifier delivers reports through an authenticated SMTP relay with
// STARTTLS, attaching the first/last images of the run.
type mailNotifier struct {
	settings *Settings
	logger   logging.Logger
}

func newMailNotifier(settings *Settings, logger logging.Logger) *mailNotifier {
	return &mailNotifier{settings: settings, logger: logger}
}

// notifySubject composes the report's subject line.
func notifySubject(experiment string, success bool) string {
	if success {
		return experiment + " Success"
	}
	return experiment + " Error"
}

func (n *mailNotifier) Notify(ctx context.Context, success bool, recipients []string, experiment, message string, attachments []string) error {
	msg := mail.NewMsg()
	if err := msg.From(n.settings.AdminEmail); err != nil {
		return fmt.Errorf("sender address: %w", err)
	}
	if err := msg.To(recipients...); err != nil {
		return fmt.Errorf("recipient addresses: %w", err)
	}
	msg.Subject(notifySubject(experiment, success))
	msg.SetBodyString(mail.TypeTextPlain, message)

	for _, attachment := range attachments {
		// Placeholders that never received an image stay zero-length;
		// nothing to attach then.
		if fi, err := os.Stat(attachment); err != nil || fi.Size() == 0 {
			continue
		}
		msg.AttachFile(attachment)
	}

	client, err := mail.NewClient(n.settings.SMTPServer,
		mail.WithPort(n.settings.SMTPPort),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(n.settings.SMTPUsername),
		mail.WithPassword(n.settings.SMTPPassword),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending %q to %d recipients: %w", notifySubject(experiment, success), len(recipients), err)
	}
	n.logger.Infof("sent %q to %d recipients", notifySubject(experiment, success), len(recipients))
	return nil
}
