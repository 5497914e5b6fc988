package notify

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/calliopehq/calliope/errors"
)

// sendMailAPI submits the message to a transactional mail HTTP API as
// multipart form data.
func (d *Dispatcher) sendMailAPI(ctx context.Context, cfg Config, body, recipient string) error {
	if cfg.APIEndpoint == "" {
		return errors.New("mail API endpoint not configured")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"from":    cfg.From,
		"to":      recipient,
		"subject": cfg.Subject,
	}
	switch cfg.Format {
	case FormatHTML:
		fields["html"] = body
	case FormatAttachment:
		name := cfg.AttachmentName
		if name == "" {
			name = "result.txt"
		}
		fields["text"] = "See attached."
		part, err := w.CreateFormFile("attachment", name)
		if err != nil {
			return errors.Wrap(err, "failed to create attachment part")
		}
		if _, err := io.WriteString(part, body); err != nil {
			return errors.Wrap(err, "failed to write attachment")
		}
	default:
		fields["text"] = body
	}
	for key, value := range fields {
		if err := w.WriteField(key, value); err != nil {
			return errors.Wrapf(err, "failed to write field %s", key)
		}
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "failed to finalize form")
	}

	req, err := http.NewRequestWithContext(ctx, "POST", cfg.APIEndpoint, &buf)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.SetBasicAuth("api", cfg.APIKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to submit message")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Newf("mail API returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
