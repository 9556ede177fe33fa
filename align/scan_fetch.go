package align

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultFetchTimeout bounds one HTTP request for a scan.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultFetchAttempts is the number of tries before FetchScan gives up.
	DefaultFetchAttempts = 3

	defaultFetchBackoff = 500 * time.Millisecond

	// maxScanBytes caps a downloaded scan at 64 MB.
	maxScanBytes = 64 << 20
)

// FetchOption configures FetchScan.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout  time.Duration
	attempts int
	backoff  time.Duration
	client   *http.Client
}

// WithFetchTimeout sets the per-request timeout.
func WithFetchTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) { c.timeout = d }
}

// WithFetchAttempts sets how many times a transient failure is tried.
func WithFetchAttempts(n int) FetchOption {
	return func(c *fetchConfig) { c.attempts = n }
}

// WithFetchBackoff sets the delay before the first retry; it doubles after each.
func WithFetchBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) { c.backoff = d }
}

// WithFetchClient overrides the HTTP client.
func WithFetchClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) { c.client = client }
}

// errPermanent marks failures that a retry cannot fix.
type errPermanent struct{ err error }

func (e errPermanent) Error() string { return e.err.Error() }
func (e errPermanent) Unwrap() error { return e.err }

// IsScanURL reports whether s names a scan served over HTTP(S).
func IsScanURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// FetchScan downloads a scan and decodes it like an MQTT payload (JSON,
// zlib-compressed JSON or YAML). Network errors and 5xx responses are
// retried with exponential backoff; 4xx responses and undecodable bodies
// are not.
func FetchScan(ctx context.Context, url string, opts ...FetchOption) (*PointCloud, error) {
	if url == "" {
		return nil, fmt.Errorf("fetch scan: URL is empty")
	}

	cfg := fetchConfig{timeout: DefaultFetchTimeout, attempts: DefaultFetchAttempts, backoff: defaultFetchBackoff}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.attempts < 1 {
		cfg.attempts = 1
	}
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	var lastErr error
	delay := cfg.backoff
	for attempt := 0; attempt < cfg.attempts; attempt++ {
		if attempt > 0 {
			Logf("Retrying scan fetch from %s in %v: %v", url, delay, lastErr)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch scan: %w", ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}

		body, err := getScan(ctx, client, url)
		if err != nil {
			var perm errPermanent
			if errors.As(err, &perm) {
				return nil, fmt.Errorf("fetch scan: %w", perm.err)
			}
			lastErr = err
			continue
		}

		pc, err := DecodeScan(body)
		if err != nil {
			return nil, fmt.Errorf("fetch scan: %w", err)
		}
		return pc, nil
	}

	return nil, fmt.Errorf("fetch scan: all %d attempts failed: %w", cfg.attempts, lastErr)
}

func getScan(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errPermanent{fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Accept", "application/json, application/yaml")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, errPermanent{fmt.Errorf("GET %s: status %d", url, resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScanBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	return body, nil
}
