package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_ProviderInference(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "endpoint and key select mail API",
			cfg:  Config{APIEndpoint: "https://mail.example.com/send", APIKey: "k"},
			want: ProviderMailAPI,
		},
		{
			name: "SMTP host alone selects SMTP",
			cfg:  Config{SMTPHost: "smtp.example.com", SMTPPort: 587},
			want: ProviderSMTP,
		},
		{
			name: "both configured falls back to mail API",
			cfg: Config{
				APIEndpoint: "https://mail.example.com/send", APIKey: "k",
				SMTPHost: "smtp.example.com",
			},
			want: ProviderMailAPI,
		},
		{
			name: "nothing configured falls back to mail API",
			cfg:  Config{},
			want: ProviderMailAPI,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.provider())
		})
	}
}

func TestConfig_Merge(t *testing.T) {
	defaults := Config{
		From:        "noreply@example.com",
		APIEndpoint: "https://mail.example.com/send",
		APIKey:      "default-key",
	}
	merged := defaults.merge(Config{Subject: "Weekly report", Format: FormatHTML})
	assert.Equal(t, "noreply@example.com", merged.From)
	assert.Equal(t, "default-key", merged.APIKey)
	assert.Equal(t, "Weekly report", merged.Subject)

	merged = defaults.merge(Config{APIKey: "task-key"})
	assert.Equal(t, "task-key", merged.APIKey)
}

func TestDispatcher_SendMailAPI(t *testing.T) {
	var form map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "api", user)
		assert.Equal(t, "secret", pass)

		require.NoError(t, r.ParseMultipartForm(1<<20))
		form = map[string]string{}
		for key, values := range r.MultipartForm.Value {
			form[key] = values[0]
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(Config{
		From:        "noreply@example.com",
		APIEndpoint: server.URL,
		APIKey:      "secret",
	}, nil)
	d.SetHTTPClient(server.Client())

	ok := d.Send(context.Background(), "<b>done</b>", "ops@example.com", Config{
		Subject: "Task finished",
		Format:  FormatHTML,
	})
	require.True(t, ok)
	assert.Equal(t, "noreply@example.com", form["from"])
	assert.Equal(t, "ops@example.com", form["to"])
	assert.Equal(t, "Task finished", form["subject"])
	assert.Equal(t, "<b>done</b>", form["html"])
}

func TestDispatcher_SendAttachment(t *testing.T) {
	var attachment string
	var filename string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("attachment")
		require.NoError(t, err)
		defer file.Close()
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		attachment = string(data)
		filename = header.Filename
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(Config{APIEndpoint: server.URL, APIKey: "k", From: "a@b.c"}, nil)
	d.SetHTTPClient(server.Client())

	ok := d.Send(context.Background(), "long result content", "ops@example.com", Config{
		Format:         FormatAttachment,
		AttachmentName: "report.txt",
	})
	require.True(t, ok)
	assert.Equal(t, "long result content", attachment)
	assert.Equal(t, "report.txt", filename)
}

func TestDispatcher_FailureReturnsFalse(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		d := NewDispatcher(Config{APIEndpoint: server.URL, APIKey: "k", From: "a@b.c"}, nil)
		d.SetHTTPClient(server.Client())
		assert.False(t, d.Send(context.Background(), "body", "ops@example.com", Config{}))
	})

	t.Run("unreachable endpoint", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		client := server.Client()
		server.Close()

		d := NewDispatcher(Config{APIEndpoint: server.URL, APIKey: "k", From: "a@b.c"}, nil)
		d.SetHTTPClient(client)
		assert.False(t, d.Send(context.Background(), "body", "ops@example.com", Config{}))
	})

	t.Run("missing recipient", func(t *testing.T) {
		d := NewDispatcher(Config{APIEndpoint: "https://mail.example.com", APIKey: "k"}, nil)
		assert.False(t, d.Send(context.Background(), "body", "", Config{}))
	})

	t.Run("invalid SMTP sender never panics", func(t *testing.T) {
		d := NewDispatcher(Config{SMTPHost: "smtp.example.com", SMTPPort: 587}, nil)
		assert.False(t, d.Send(context.Background(), "body", "ops@example.com", Config{
			From: "not an address",
		}))
	})
}

func TestDispatcher_BodyTooLargeStillBounded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		io.WriteString(w, strings.Repeat("x", 4096))
	}))
	defer server.Close()

	d := NewDispatcher(Config{APIEndpoint: server.URL, APIKey: "k", From: "a@b.c"}, nil)
	d.SetHTTPClient(server.Client())
	assert.False(t, d.Send(context.Background(), "body", "ops@example.com", Config{}))
}
