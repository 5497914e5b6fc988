package notify

import (
	"context"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/calliopehq/calliope/errors"
)

// implicitTLSPort is the submission port with TLS from the first byte;
// everything else starts plaintext and upgrades via STARTTLS when offered.
const implicitTLSPort = 465

// sendSMTP submits the message over SMTP.
func (d *Dispatcher) sendSMTP(ctx context.Context, cfg Config, body, recipient string) error {
	msg := mail.NewMsg()
	if err := msg.From(cfg.From); err != nil {
		return errors.Wrap(err, "invalid sender address")
	}
	if err := msg.To(recipient); err != nil {
		return errors.Wrap(err, "invalid recipient address")
	}
	msg.Subject(cfg.Subject)

	switch cfg.Format {
	case FormatHTML:
		msg.SetBodyString(mail.TypeTextHTML, body)
	case FormatAttachment:
		name := cfg.AttachmentName
		if name == "" {
			name = "result.txt"
		}
		msg.SetBodyString(mail.TypeTextPlain, "See attached.")
		if err := msg.AttachReader(name, strings.NewReader(body)); err != nil {
			return errors.Wrap(err, "failed to attach result")
		}
	default:
		msg.SetBodyString(mail.TypeTextPlain, body)
	}

	opts := []mail.Option{mail.WithPort(cfg.SMTPPort)}
	if cfg.SMTPUser != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.SMTPUser),
			mail.WithPassword(cfg.SMTPPass),
		)
	}
	if cfg.SMTPPort == implicitTLSPort {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}

	client, err := mail.NewClient(cfg.SMTPHost, opts...)
	if err != nil {
		return errors.Wrap(err, "failed to create SMTP client")
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return errors.Wrap(err, "failed to send message")
	}
	return nil
}
