package gruenbeck

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/p0l0/gruenbeck-cloud/internal/auth"
)

const (
	// DefaultAPIBaseURL is the vendor's production API host.
	DefaultAPIBaseURL = "https://prod-eu-gruenbeck-api.azurewebsites.net"

	// APIVersion is sent as api-version on every call.
	APIVersion = "2024-05-02"

	DefaultRequestTimeout = 15 * time.Second
)

// Config wires up a Client. Username and Password are the only
// required fields.
type Config struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// APIBaseURL and LoginBaseURL override the production hosts,
	// mostly for tests.
	APIBaseURL   string `yaml:"apiBaseURL"`
	LoginBaseURL string `yaml:"loginBaseURL"`

	// MaxRetryAttempts caps transient retries per request.
	MaxRetryAttempts int           `yaml:"maxRetryAttempts"`
	BackoffBase      time.Duration `yaml:"backoffBase"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`

	// StatePath persists the refresh token between runs.
	StatePath string `yaml:"statePath"`
	// Blob mirrors that state to object storage.
	Blob *auth.S3Config `yaml:"blob,omitempty"`

	HTTPClient *http.Client `yaml:"-"`
	Logger     *zap.Logger  `yaml:"-"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.APIBaseURL == "" {
		out.APIBaseURL = DefaultAPIBaseURL
	}
	if out.LoginBaseURL == "" {
		out.LoginBaseURL = auth.DefaultLoginBaseURL
	}
	if out.MaxRetryAttempts <= 0 {
		out.MaxRetryAttempts = 4
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 500 * time.Millisecond
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.HTTPClient == nil {
		out.HTTPClient = &http.Client{Timeout: out.RequestTimeout}
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}
