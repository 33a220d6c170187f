package bustime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "http://truetime.portauthority.org/bustime/api/v1/"

// Client issues getroutes and getvehicles calls. It is safe for concurrent
// use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
	location   *time.Location
}

type Option func(*Client)

// WithHTTPClient replaces the default client. The per-request timeout is then
// whatever the supplied client enforces.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithNow sets the clock used to stamp ObservedAt.
func WithNow(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithLocation sets the zone the provider's tmstmp values are read in.
func WithLocation(loc *time.Location) Option {
	return func(c *Client) { c.location = loc }
}

func NewClient(baseURL, apiKey string, timeout time.Duration, opts ...Option) *Client {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
		location:   time.Local,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetRoutes lists every route, in provider order.
func (c *Client) GetRoutes(ctx context.Context) ([]Route, Report, error) {
	const op = "getroutes"
	resp, err := c.get(ctx, op, nil)
	if err != nil {
		return nil, Report{}, err
	}
	defer resp.Body.Close()

	routes, report, err := decodeRoutes(resp.Body)
	if err != nil {
		return nil, report, &ParseError{Op: op, Err: err}
	}
	return routes, report, nil
}

// GetVehicles fetches the vehicles matching keys, which are route ids or
// vehicle ids depending on mode.
func (c *Client) GetVehicles(ctx context.Context, mode Mode, keys []string) ([]VehicleUpdate, Report, error) {
	const op = "getvehicles"
	param := mode.Param()
	if param == "" {
		return nil, Report{}, fmt.Errorf("%s: unknown mode %v", op, mode)
	}
	if len(keys) == 0 {
		return nil, Report{}, fmt.Errorf("%s: %w", op, ErrNoKeys)
	}

	observedAt := c.now()
	resp, err := c.get(ctx, op, url.Values{param: {strings.Join(keys, ",")}})
	if err != nil {
		return nil, Report{}, err
	}
	defer resp.Body.Close()

	updates, report, err := decodeVehicles(resp.Body, observedAt, c.location)
	if err != nil {
		return nil, report, &ParseError{Op: op, Err: err}
	}
	return updates, report, nil
}

func (c *Client) get(ctx context.Context, op string, params url.Values) (*http.Response, error) {
	u, err := url.Parse(c.baseURL + op)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	q := u.Query()
	q.Set("key", c.apiKey)
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode}
	}
	return resp, nil
}
