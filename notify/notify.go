// Package notify delivers best-effort email on task completion. Delivery
// failure is logged and reported as false, never raised: a task's recorded
// status and result are settled before the dispatcher runs and are not
// affected by it.
package notify

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/calliopehq/calliope/internal/httpclient"
)

// Body formats.
const (
	FormatHTML       = "html"
	FormatText       = "text"
	FormatAttachment = "attachment"
)

// Provider kinds, inferred from which config fields are present.
const (
	ProviderMailAPI = "mail_api"
	ProviderSMTP    = "smtp"
)

// Config selects and configures a delivery backend. Task-level config merges
// over the dispatcher's defaults field by field.
type Config struct {
	From        string `json:"from,omitempty"`
	APIEndpoint string `json:"api_endpoint,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
	SMTPHost    string `json:"smtp_host,omitempty"`
	SMTPPort    int    `json:"smtp_port,omitempty"`
	SMTPUser    string `json:"smtp_user,omitempty"`
	SMTPPass    string `json:"smtp_pass,omitempty"`

	Subject        string `json:"subject,omitempty"`
	Format         string `json:"format,omitempty"`
	AttachmentName string `json:"attachment_name,omitempty"`
}

// merge overlays non-zero fields of override onto base.
func (base Config) merge(override Config) Config {
	out := base
	if override.From != "" {
		out.From = override.From
	}
	if override.APIEndpoint != "" {
		out.APIEndpoint = override.APIEndpoint
	}
	if override.APIKey != "" {
		out.APIKey = override.APIKey
	}
	if override.SMTPHost != "" {
		out.SMTPHost = override.SMTPHost
	}
	if override.SMTPPort != 0 {
		out.SMTPPort = override.SMTPPort
	}
	if override.SMTPUser != "" {
		out.SMTPUser = override.SMTPUser
	}
	if override.SMTPPass != "" {
		out.SMTPPass = override.SMTPPass
	}
	if override.Subject != "" {
		out.Subject = override.Subject
	}
	if override.Format != "" {
		out.Format = override.Format
	}
	if override.AttachmentName != "" {
		out.AttachmentName = override.AttachmentName
	}
	return out
}

// provider picks the backend. An endpoint plus key selects the mail API; SMTP
// host alone selects SMTP; when both or neither are present the legacy mail
// API backend wins.
func (c Config) provider() string {
	hasAPI := c.APIEndpoint != "" && c.APIKey != ""
	hasSMTP := c.SMTPHost != ""
	if hasSMTP && !hasAPI {
		return ProviderSMTP
	}
	return ProviderMailAPI
}

// Dispatcher sends notifications through the inferred backend.
type Dispatcher struct {
	defaults   Config
	httpClient *httpclient.SaferClient
	logger     *zap.SugaredLogger
}

// NewDispatcher creates a dispatcher with backend defaults from app config.
func NewDispatcher(defaults Config, logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		defaults:   defaults,
		httpClient: httpclient.New(30 * time.Second),
		logger:     logger,
	}
}

// Send delivers body to recipient. It returns false on any failure and never
// panics or raises; the caller's task state is already settled.
func (d *Dispatcher) Send(ctx context.Context, body, recipient string, override Config) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorw("Notification delivery panicked", "recipient", recipient, "panic", r)
			ok = false
		}
	}()

	if recipient == "" {
		d.logger.Warnw("Notification dropped, no recipient")
		return false
	}

	cfg := d.defaults.merge(override)
	if cfg.Subject == "" {
		cfg.Subject = "Task result"
	}
	if cfg.Format == "" {
		cfg.Format = FormatText
	}

	var err error
	provider := cfg.provider()
	switch provider {
	case ProviderSMTP:
		err = d.sendSMTP(ctx, cfg, body, recipient)
	default:
		err = d.sendMailAPI(ctx, cfg, body, recipient)
	}
	if err != nil {
		d.logger.Warnw("Notification delivery failed",
			"provider", provider,
			"recipient", recipient,
			"error", err)
		return false
	}

	d.logger.Infow("Notification delivered", "provider", provider, "recipient", recipient)
	return true
}

// SetHTTPClient allows overriding the HTTP client for testing.
// ⚠️ WARNING: Only use this in tests. Production code should use the default SSRF-safer client.
func (d *Dispatcher) SetHTTPClient(client *http.Client) {
	d.httpClient = httpclient.WrapClient(client)
}
