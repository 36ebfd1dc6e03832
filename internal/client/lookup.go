package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/GriffinCanCode/rpc-discovery/internal/domain/service"
	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

// DefaultLimit is how many entries a lookup returns when none is asked for.
const DefaultLimit = 3

var (
	ErrWrongRegistry = errors.New("registry key mismatch")
	ErrNotFound      = errors.New("not found")
)

// APIError is a non-2xx answer from the query API.
type APIError struct {
	Status  int
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registry api: %d: %s", e.Status, e.Message)
}

// LookupOptions configures a Lookup client.
type LookupOptions struct {
	// Expected pins the registry's log key. Zero skips the check.
	Expected id.Key
	Timeout  time.Duration
	// Retries after the first attempt. Zero means 3, negative means none.
	Retries int
	MinWait time.Duration
	MaxWait time.Duration
}

func (o *LookupOptions) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	} else if o.Retries == 0 {
		o.Retries = 3
	}
	if o.MinWait <= 0 {
		o.MinWait = 500 * time.Millisecond
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 5 * time.Second
	}
}

// Lookup reads registrations from the query API.
type Lookup struct {
	resty    *resty.Client
	expected id.Key
}

// NewLookup creates a client for the query API at baseURL.
func NewLookup(baseURL string, opts LookupOptions) (*Lookup, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("lookup: base url: %w", err)
	}
	opts.defaults()

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.Retries
	retryClient.RetryWaitMin = opts.MinWait
	retryClient.RetryWaitMax = opts.MaxWait
	retryClient.Logger = nil
	// hand every final response to resty so error bodies stay readable
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	restyClient := resty.NewWithClient(retryClient.StandardClient()).
		SetBaseURL(baseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "rpc-discovery-client/1.0").
		SetJSONUnmarshaler(sonic.Unmarshal).
		SetJSONMarshaler(sonic.Marshal)

	return &Lookup{resty: restyClient, expected: opts.Expected}, nil
}

type entriesResponse struct {
	Entries []service.Entry `json:"entries"`
}

type rootResponse struct {
	Info service.Info `json:"info"`
}

// Info fetches the registry summary and checks its key when one is pinned.
func (l *Lookup) Info(ctx context.Context) (service.Info, error) {
	var out rootResponse
	if err := l.get(ctx, "/", nil, &out); err != nil {
		return service.Info{}, err
	}
	if !l.expected.IsZero() && out.Info.LogKey != l.expected {
		return out.Info, fmt.Errorf("%w: want %s, got %s", ErrWrongRegistry, l.expected, out.Info.LogKey)
	}
	return out.Info, nil
}

// Lookup returns up to limit entries of name. limit <= 0 means DefaultLimit.
func (l *Lookup) Lookup(ctx context.Context, name string, limit int) ([]service.Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	var out entriesResponse
	path := "/services/" + url.PathEscape(name)
	if err := l.get(ctx, path, map[string]string{"limit": strconv.Itoa(limit)}, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// List returns up to limit entries across every service. limit <= 0 leaves
// the choice to the server.
func (l *Lookup) List(ctx context.Context, limit int) ([]service.Entry, error) {
	params := map[string]string{}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	var out entriesResponse
	if err := l.get(ctx, "/services", params, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Get returns the entry of key.
func (l *Lookup) Get(ctx context.Context, key id.Key) (*service.Entry, error) {
	var out service.Entry
	if err := l.get(ctx, "/entries/"+key.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (l *Lookup) get(ctx context.Context, path string, params map[string]string, result any) error {
	apiErr := &APIError{}
	resp, err := l.resty.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(result).
		SetError(apiErr).
		Get(path)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", path, err)
	}
	if resp.IsError() {
		apiErr.Status = resp.StatusCode()
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode())
		}
		if resp.StatusCode() == http.StatusNotFound {
			return fmt.Errorf("%w: %w", ErrNotFound, apiErr)
		}
		return apiErr
	}
	return nil
}
