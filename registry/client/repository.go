// Package client speaks the registry HTTP API v2 for one repository: blob
// existence checks, chunked and resumable blob uploads, cross repository
// mounts, verified blob downloads and manifest transfer.
//
// Requests are retried with exponential backoff on network errors, 429 and
// 5xx responses. Authentication challenges are answered once per request
// through an auth.Authorizer.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/distribution/imagebuilder"
	"github.com/distribution/imagebuilder/credentials"
	"github.com/distribution/imagebuilder/internal/dcontext"
	prometheus "github.com/distribution/imagebuilder/metrics"
	"github.com/distribution/imagebuilder/registry/client/auth"
	"github.com/distribution/reference"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	// DefaultRetryMax is the number of retries after the first attempt.
	DefaultRetryMax = 4

	// DefaultTimeout bounds a single request attempt.
	DefaultTimeout = 5 * time.Minute

	defaultRetryWaitMin = 500 * time.Millisecond
	defaultRetryWaitMax = 30 * time.Second
)

var (
	requestCounter = prometheus.RegistryNamespace.NewLabeledCounter("requests", "The number of registry requests", "op", "status")
	requestTimer   = prometheus.RegistryNamespace.NewLabeledTimer("request", "The time taken by registry requests including retries", "op")
)

// Option configures a Repository.
type Option func(*Repository)

// WithHTTPClient sets the client requests are sent with. Its Timeout is
// cleared; WithTimeout bounds connection setup and response headers instead.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Repository) { r.httpClient = c }
}

// WithCredentials sets the resolved credentials. The failures recorded
// during resolution are reported if anonymous access is rejected.
func WithCredentials(res credentials.Resolution) Option {
	return func(r *Repository) { r.credentials = res }
}

// WithRetryMax sets the number of retries after the first attempt.
func WithRetryMax(n int) Option {
	return func(r *Repository) { r.retryMax = n }
}

// WithRetryWait bounds the backoff between attempts.
func WithRetryWait(min, max time.Duration) Option {
	return func(r *Repository) { r.retryWaitMin, r.retryWaitMax = min, max }
}

// WithTimeout bounds connecting, the TLS handshake and waiting for the
// response headers of each attempt. Reading a response body is not bounded,
// so a slow but steady blob transfer is not cut off.
func WithTimeout(d time.Duration) Option {
	return func(r *Repository) { r.timeout = d }
}

// WithChunkSize sets the size of upload chunks. Zero or less uploads a blob
// in one PATCH request.
func WithChunkSize(n int64) Option {
	return func(r *Repository) { r.chunkSize = n }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(r *Repository) { r.userAgent = ua }
}

// WithInsecure skips TLS verification and falls back to plain HTTP when an
// HTTPS connection cannot be established.
func WithInsecure(insecure bool) Option {
	return func(r *Repository) { r.insecure = insecure }
}

// Repository is a client for one repository of a registry. It is safe for
// concurrent use and reuses connections across requests.
type Repository struct {
	name     reference.Named
	registry string

	mu   sync.RWMutex
	base *url.URL

	httpClient   *http.Client
	client       *retryablehttp.Client
	authorizer   *auth.Authorizer
	credentials  credentials.Resolution
	retryMax     int
	retryWaitMin time.Duration
	retryWaitMax time.Duration
	timeout      time.Duration
	chunkSize    int64
	userAgent    string
	insecure     bool
}

// Endpoint returns the base URL of the registry API at host.
func Endpoint(host string) string {
	return "https://" + host
}

// NewRepository returns a client for name at baseURL, e.g.
// "https://registry-1.docker.io".
func NewRepository(name reference.Named, baseURL string, opts ...Option) (*Repository, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid registry url %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid registry url %q: scheme must be http or https", baseURL)
	}

	r := &Repository{
		name:         name,
		registry:     reference.Domain(name),
		base:         base,
		retryMax:     DefaultRetryMax,
		retryWaitMin: defaultRetryWaitMin,
		retryWaitMax: defaultRetryWaitMax,
		timeout:      DefaultTimeout,
		userAgent:    "imagebuilder",
	}
	for _, opt := range opts {
		opt(r)
	}

	httpClient := &http.Client{}
	if r.httpClient != nil {
		*httpClient = *r.httpClient
	}
	httpClient.Transport = r.transport(httpClient.Transport)
	httpClient.Timeout = 0

	r.client = &retryablehttp.Client{
		HTTPClient:     httpClient,
		Logger:         nil,
		RetryWaitMin:   r.retryWaitMin,
		RetryWaitMax:   r.retryWaitMax,
		RetryMax:       r.retryMax,
		CheckRetry:     checkRetry,
		Backoff:        retryablehttp.DefaultBackoff,
		ErrorHandler:   passthroughErrorHandler,
		PrepareRetry:   prepareRetry,
		RequestLogHook: logRetry,
	}
	r.authorizer = auth.NewAuthorizer(r.credentials.Credential, r.client.StandardClient(), r.userAgent)

	return r, nil
}

// transport applies the per-attempt timeout and the insecure setting to rt.
// Round trippers other than *http.Transport are used as given.
func (r *Repository) transport(rt http.RoundTripper) http.RoundTripper {
	var t *http.Transport
	switch base := rt.(type) {
	case nil:
		t = http.DefaultTransport.(*http.Transport).Clone()
	case *http.Transport:
		t = base.Clone()
	default:
		return rt
	}

	if r.timeout > 0 {
		dialer := &net.Dialer{Timeout: r.timeout, KeepAlive: 30 * time.Second}
		t.DialContext = dialer.DialContext
		t.TLSHandshakeTimeout = r.timeout
		t.ResponseHeaderTimeout = r.timeout
	}
	if r.insecure {
		if t.TLSClientConfig == nil {
			t.TLSClientConfig = &tls.Config{}
		}
		t.TLSClientConfig.InsecureSkipVerify = true
	}
	return t
}

// Name returns the repository name.
func (r *Repository) Name() reference.Named {
	return r.name
}

// Registry returns the registry host the repository lives on.
func (r *Repository) Registry() string {
	return r.registry
}

func (r *Repository) path() string {
	return reference.Path(r.name)
}

func (r *Repository) baseURL() *url.URL {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u := *r.base
	return &u
}

// url returns the absolute URL of an API path such as "/v2/<name>/blobs/".
func (r *Repository) url(format string, args ...interface{}) string {
	u := r.baseURL()
	u.Path = strings.TrimSuffix(u.Path, "/") + fmt.Sprintf(format, args...)
	return u.String()
}

// resolve resolves a Location header against the registry.
func (r *Repository) resolve(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return r.baseURL().ResolveReference(u).String(), nil
}

// request describes one API call. Bodies are reopened for every attempt.
type request struct {
	method        string
	url           string
	body          func() (io.Reader, error)
	contentLength int64
	header        http.Header
	scopes        []string
}

func (r *Repository) logger(ctx context.Context) dcontext.Logger {
	return dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
		"registry":   r.registry,
		"repository": r.path(),
	})
}

// do sends req, answering one authentication challenge. Responses with any
// status are returned; callers classify them. Cancellation of ctx is
// observed before the first attempt and between retries, never while a
// request is on the wire.
func (r *Repository) do(ctx context.Context, op string, req request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer requestTimer.WithValues(op).UpdateSince(time.Now())

	for attempt := 0; ; attempt++ {
		resp, err := r.send(ctx, op, req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusUnauthorized {
			if attempt == 0 && r.authorizer.HandleChallenge(resp, req.scopes...) {
				drain(resp)
				r.logger(ctx).Debugf("%s: retrying with authorization", op)
				continue
			}
			return nil, r.authFailure(r.registryError(op, resp), resp)
		}
		return resp, nil
	}
}

func (r *Repository) send(ctx context.Context, op string, req request) (*http.Response, error) {
	detached := dcontext.DetachedContext(ctx)

	target := req.url
	for fallback := false; ; fallback = true {
		var body interface{}
		if req.body != nil {
			body = retryablehttp.ReaderFunc(req.body)
		}
		hreq, err := retryablehttp.NewRequestWithContext(detached, req.method, target, body)
		if err != nil {
			return nil, &imagebuilder.RegistryError{Op: op, Registry: r.registry, Err: err}
		}
		if req.body != nil {
			hreq.ContentLength = req.contentLength
		}
		for k, v := range req.header {
			hreq.Header[k] = v
		}
		hreq.Header.Set("User-Agent", r.userAgent)

		if err := r.authorizer.Authorize(ctx, hreq.Request, req.scopes...); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, r.authFailure(&imagebuilder.RegistryError{
				Op:         op,
				Registry:   r.registry,
				StatusCode: tokenStatus(err),
				Message:    "token request failed",
				Err:        err,
			}, nil)
		}

		resp, err := r.client.Do(hreq)
		if cerr := ctx.Err(); cerr != nil && (err != nil || isRetryableStatus(resp.StatusCode)) {
			if resp != nil {
				drain(resp)
			}
			return nil, cerr
		}
		if err == nil {
			requestCounter.WithValues(op, statusClass(resp.StatusCode)).Inc(1)
			return resp, nil
		}
		requestCounter.WithValues(op, "error").Inc(1)

		if !fallback && r.insecure && strings.HasPrefix(target, "https://") {
			r.logger(ctx).Warnf("%s: https failed (%v), falling back to http", op, err)
			r.mu.Lock()
			r.base.Scheme = "http"
			r.mu.Unlock()
			target = "http://" + strings.TrimPrefix(target, "https://")
			continue
		}

		return nil, &imagebuilder.RegistryError{Op: op, Registry: r.registry, Retryable: true, Err: err}
	}
}

// authFailure reports a rejected authentication. Anonymous access failures
// become CredentialsError carrying what the credential chain tried.
func (r *Repository) authFailure(err error, resp *http.Response) error {
	if resp != nil {
		resp.Body.Close()
	}
	if r.credentials.Credential.IsAnonymous() {
		return &imagebuilder.CredentialsError{
			Registry: r.registry,
			Failures: r.credentials.Failures,
			Err:      err,
		}
	}
	return err
}

func tokenStatus(err error) int {
	var tokenErr *auth.TokenError
	if errors.As(err, &tokenErr) {
		return tokenErr.StatusCode
	}
	return 0
}

func statusClass(status int) string {
	return fmt.Sprintf("%dxx", status/100)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
}
