package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/mosaicapps/outbox/errs"
	"github.com/mosaicapps/outbox/internal/schema"
)

const (
	recordsPath           = "/v1/records"
	clientRequestIDHeader = "X-Client-Request-Id"

	defaultTimeout = 15 * time.Second
)

// HTTPConfig configures the HTTP remote client.
type HTTPConfig struct {
	// BaseURL is the service root, e.g. https://api.example.com.
	BaseURL string
	// Timeout bounds each request. Zero means the 15s default.
	Timeout time.Duration
	// RequestsPerSecond throttles outbound calls. Zero disables throttling.
	RequestsPerSecond float64
	// Burst is the limiter burst size when throttling is enabled.
	Burst int
}

func (c HTTPConfig) normalize() HTTPConfig {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// HTTPClient implements Client over the record service's REST surface.
type HTTPClient struct {
	cfg     HTTPConfig
	http    *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient constructs an HTTP remote client. A nil httpClient uses a
// dedicated client with the configured timeout.
func NewHTTPClient(cfg HTTPConfig, httpClient *http.Client) (*HTTPClient, error) {
	cfg = cfg.normalize()
	if cfg.BaseURL == "" {
		return nil, errs.New("remote/http", errs.CodeInvalid, errs.WithMessage("base url required"))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	client := &HTTPClient{cfg: cfg, http: httpClient}
	if cfg.RequestsPerSecond > 0 {
		client.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	return client, nil
}

// CreateRecord implements Client.
func (c *HTTPClient) CreateRecord(ctx context.Context, record schema.Record, clientRequestID string) (schema.Record, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return schema.Record{}, errs.New("remote/create", errs.CodeInvalid,
			errs.WithMessage("encode record"), errs.WithCause(err))
	}
	headers := map[string]string{clientRequestIDHeader: clientRequestID}
	resp, err := c.do(ctx, http.MethodPost, recordsPath, body, headers)
	if err != nil {
		return schema.Record{}, err
	}
	var created schema.Record
	if err := json.Unmarshal(resp, &created); err != nil {
		return schema.Record{}, errs.New("remote/create", errs.CodeRemote,
			errs.WithMessage("decode create response"), errs.WithCause(err))
	}
	return created, nil
}

// UpdateRecord implements Client. A 404 from the service maps to the
// nil-record graceful path: the target is already gone.
func (c *HTTPClient) UpdateRecord(ctx context.Context, id string, patch schema.RecordPatch) (*schema.Record, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return nil, errs.New("remote/update", errs.CodeInvalid,
			errs.WithMessage("encode patch"), errs.WithCause(err))
	}
	resp, err := c.do(ctx, http.MethodPatch, recordsPath+"/"+id, body, nil)
	if err != nil {
		if errs.HTTPStatus(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	var updated schema.Record
	if err := json.Unmarshal(resp, &updated); err != nil {
		return nil, errs.New("remote/update", errs.CodeRemote,
			errs.WithMessage("decode update response"), errs.WithCause(err))
	}
	return &updated, nil
}

// DeleteRecord implements Client.
func (c *HTTPClient) DeleteRecord(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, recordsPath+"/"+id, nil, nil)
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, headers map[string]string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errs.New("remote/http", errs.CodeRateLimited,
				errs.WithMessage("rate limiter wait"), errs.WithCause(err))
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, errs.New("remote/http", errs.CodeInvalid,
			errs.WithMessage("build request"), errs.WithCause(err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.New("remote/http", errs.CodeNetwork,
			errs.WithMessage("transport failure"), errs.WithCause(err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.New("remote/http", errs.CodeNetwork,
			errs.WithMessage("read response"), errs.WithCause(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(method, path, resp.StatusCode, payload)
	}
	return payload, nil
}

func statusError(method, path string, status int, body []byte) error {
	message := fmt.Sprintf("%s %s: status %d", method, path, status)
	if snippet := strings.TrimSpace(string(body)); snippet != "" {
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		message += ": " + snippet
	}
	return errs.New("remote/http", codeForStatus(status), errs.WithHTTP(status), errs.WithMessage(message))
}

func codeForStatus(status int) errs.Code {
	switch {
	case status == http.StatusNotFound:
		return errs.CodeNotFound
	case status == http.StatusTooManyRequests:
		return errs.CodeRateLimited
	case status == http.StatusRequestTimeout:
		return errs.CodeUnavailable
	case status >= 400 && status < 500:
		return errs.CodeInvalid
	default:
		return errs.CodeRemote
	}
}

var _ Client = (*HTTPClient)(nil)
