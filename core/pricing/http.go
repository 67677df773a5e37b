package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

var _ Oracle = (*HTTPOracle)(nil)

// HTTPOracleConfig holds configuration for the HTTP price source.
type HTTPOracleConfig struct {
	// BaseURL is queried as {BaseURL}/prices/{asset}.
	BaseURL string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// Timeout bounds a single HTTP request.
	Timeout time.Duration
	// MaxRetries caps retry attempts for transient failures.
	MaxRetries uint64
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// RateLimitPerMin paces outbound requests.
	RateLimitPerMin int
	// DefaultWindow applies when the response omits a confidence window.
	DefaultWindow time.Duration
	Logger        *slog.Logger
	HTTPClient    *http.Client
}

// HTTPOracleConfigDefaults returns a config populated with default values.
func HTTPOracleConfigDefaults() HTTPOracleConfig {
	return HTTPOracleConfig{
		Timeout:         5 * time.Second,
		MaxRetries:      2,
		InitialBackoff:  200 * time.Millisecond,
		MaxBackoff:      2 * time.Second,
		RateLimitPerMin: 600,
		DefaultWindow:   time.Minute,
		Logger:          slog.Default(),
	}
}

// HTTPOracle fetches quotes from a JSON price endpoint.
type HTTPOracle struct {
	config     HTTPOracleConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

type priceResponse struct {
	Asset                   string `json:"asset"`
	Price                   string `json:"price"`
	AsOf                    string `json:"as_of"`
	ConfidenceWindowSeconds int64  `json:"confidence_window_seconds"`
}

// NewHTTPOracle creates a client for the supplied endpoint.
func NewHTTPOracle(config HTTPOracleConfig) (*HTTPOracle, error) {
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, errors.New("pricing: base url required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("pricing: parse base url: %w", err)
	}
	applyHTTPDefaults(&config, HTTPOracleConfigDefaults())

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	rps := float64(config.RateLimitPerMin) / 60.0
	return &HTTPOracle{
		config:     config,
		httpClient: client,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     config.Logger.With("component", "price-oracle"),
	}, nil
}

func applyHTTPDefaults(config *HTTPOracleConfig, defaults HTTPOracleConfig) {
	config.BaseURL = strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.RateLimitPerMin <= 0 {
		config.RateLimitPerMin = defaults.RateLimitPerMin
	}
	if config.DefaultWindow == 0 {
		config.DefaultWindow = defaults.DefaultWindow
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
}

// GetPrice implements Oracle.
func (o *HTTPOracle) GetPrice(ctx context.Context, asset string) (Quote, error) {
	endpoint := fmt.Sprintf("%s/prices/%s", o.config.BaseURL, url.PathEscape(strings.TrimSpace(asset)))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.config.InitialBackoff
	policy.MaxInterval = o.config.MaxBackoff
	policy.MaxElapsedTime = 0
	retrier := backoff.WithContext(backoff.WithMaxRetries(policy, o.config.MaxRetries), ctx)

	var payload priceResponse
	notify := func(err error, wait time.Duration) {
		o.logger.Warn("price request failed, retrying", "asset", asset, "backoff", wait, "error", err)
	}
	err := backoff.RetryNotify(func() error {
		if err := o.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
		}
		return o.doRequest(ctx, endpoint, &payload)
	}, retrier, notify)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %s: %v", ErrOracleUnavailable, asset, err)
	}
	return o.decode(asset, payload)
}

func (o *HTTPOracle) decode(asset string, payload priceResponse) (Quote, error) {
	price, ok := new(big.Rat).SetString(strings.TrimSpace(payload.Price))
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s: malformed price %q", ErrOracleUnavailable, asset, payload.Price)
	}
	asOf, err := time.Parse(time.RFC3339, strings.TrimSpace(payload.AsOf))
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %s: malformed timestamp: %v", ErrOracleUnavailable, asset, err)
	}
	window := time.Duration(payload.ConfidenceWindowSeconds) * time.Second
	if window <= 0 {
		window = o.config.DefaultWindow
	}
	return Quote{Asset: asset, Price: price, AsOf: asOf, ConfidenceWindow: window}, nil
}

func (o *HTTPOracle) doRequest(ctx context.Context, endpoint string, out *priceResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if o.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.config.APIKey)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			o.logger.Warn("failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(fmt.Errorf("client error (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return backoff.Permanent(fmt.Errorf("parsing response: %w", err))
	}
	return nil
}
