package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout bounds every probe.
const DefaultTimeout = 5 * time.Second

const maxRedirects = 3

var ErrInvalidEndpoint = errors.New("invalid health check endpoint")

// ClientError is returned when a probe request can not be built.
type ClientError struct {
	Err error
}

func (e *ClientError) Error() string { return fmt.Sprintf("health client: %v", e.Err) }

func (e *ClientError) Unwrap() error { return e.Err }

// Checker probes one endpoint through the tunnel.
type Checker struct {
	endpoint string
	client   *http.Client
	now      func() time.Time
}

// New validates endpoint eagerly. A non-positive timeout means DefaultTimeout.
func New(endpoint string, timeout time.Duration) (*Checker, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// 证书校验始终开启：不设置 TLSClientConfig.InsecureSkipVerify
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableKeepAlives = true

	return &Checker{
		endpoint: u.String(),
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return errTooManyRedirects
				}
				return nil
			},
		},
		now: time.Now,
	}, nil
}

func (c *Checker) Endpoint() string { return c.endpoint }

func (c *Checker) Timeout() time.Duration { return c.client.Timeout }

func (c *Checker) do(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return 0, &ClientError{Err: err}
	}
	req.Header.Set("User-Agent", "akon-health/1")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	// 只看状态行，不读 body
	resp.Body.Close()
	return resp.StatusCode, nil
}

// Check performs a single GET. Healthy iff the status is in [200,400).
func (c *Checker) Check(ctx context.Context) Result {
	start := c.now()
	code, err := c.do(ctx)
	res := Result{
		StatusCode: code,
		Duration:   c.now().Sub(start),
		Timestamp:  start,
	}

	switch {
	case err != nil:
		res.Err = shortError(err)
		res.Failure = classify(err)
		if errors.Is(err, errTooManyRedirects) {
			res.Failure = FailureOther
		}
	case code < 200 || code >= 400:
		res.Err = fmt.Sprintf("unexpected status %d", code)
		res.Failure = FailureHTTPStatus
	default:
		res.Success = true
	}
	return res
}

// IsReachable reports whether packets flow to the endpoint at all. Any HTTP
// response counts, including 4xx/5xx and failed certificate verification.
func (c *Checker) IsReachable(ctx context.Context) bool {
	_, err := c.do(ctx)
	if err == nil {
		return true
	}
	if errors.Is(err, errTooManyRedirects) {
		return true
	}
	return classify(err) == FailureTLS
}
