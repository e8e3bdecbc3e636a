// Package transport wraps a pooled HTTP client with the request options the
// task operations need: form or query parameters, opt-in gzip, byte-range
// resume, a redirect limit, cookies and cancellation of in-flight requests.
package transport

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// Common errors returned by the Client
var (
	ErrDisposed         = errors.New("http client disposed")
	ErrTooManyRedirects = errors.New("too many redirects")
)

// Config holds configuration options for the HTTP client
type Config struct {
	UserAgent string

	// ResponseTimeout bounds the wait for response headers. Reading the body
	// is only bounded by the request context.
	ResponseTimeout time.Duration

	MaxRedirects int
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		UserAgent:       "xengine/1.0",
		ResponseTimeout: 60 * time.Second,
		MaxRedirects:    5,
	}
}

// Request describes one HTTP exchange
type Request struct {
	Method string
	URL    string
	Header http.Header

	// Params go into the query string for GET, HEAD and DELETE and into a
	// form-encoded body otherwise.
	Params url.Values

	// Charset is announced with form bodies; empty means utf-8.
	Charset string

	// Gzip asks the server for a compressed response.
	Gzip bool

	// Offset, when positive, requests the bytes from Offset onwards.
	Offset int64
}

// NewRequest creates a request with empty headers and params
func NewRequest(method, rawURL string) *Request {
	return &Request{
		Method: method,
		URL:    rawURL,
		Header: make(http.Header),
		Params: make(url.Values),
	}
}

// AddHeader adds a request header
func (r *Request) AddHeader(key, value string) *Request {
	r.Header.Add(key, value)
	return r
}

// AddParam adds a string parameter
func (r *Request) AddParam(key, value string) *Request {
	r.Params.Add(key, value)
	return r
}

// Response is a received response. The caller must close it.
type Response struct {
	StatusCode    int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	Charset       string
	// URL is the final URL after redirects
	URL string
}

// Close releases the response body
func (r *Response) Close() error {
	if r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// Client sends Requests over a pooled transport
type Client struct {
	config    Config
	transport *http.Transport
	http      *http.Client
	logger    *slog.Logger

	jar *resettableJar

	mu       sync.Mutex
	disposed bool
	nextID   uint64
	inflight map[uint64]context.CancelFunc
}

// NewClient creates a client with its own connection pool and cookie jar
func NewClient(config Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	transport := cleanhttp.DefaultPooledTransport()
	// Compressed bodies are decoded in Send so that Gzip stays opt-in.
	transport.DisableCompression = true
	if config.ResponseTimeout > 0 {
		transport.ResponseHeaderTimeout = config.ResponseTimeout
	}

	c := &Client{
		config:    config,
		transport: transport,
		jar:       &resettableJar{jar: newJar()},
		logger:    logger.With("component", "http_client"),
		inflight:  make(map[uint64]context.CancelFunc),
	}
	c.http = &http.Client{
		Transport:     transport,
		Jar:           c.jar,
		CheckRedirect: c.checkRedirect,
	}
	return c
}

func newJar() http.CookieJar {
	// cookiejar.New only fails for a bad PublicSuffixList option
	jar, _ := cookiejar.New(nil)
	return jar
}

// resettableJar lets ClearCookies swap the jar while requests are running
type resettableJar struct {
	mu  sync.RWMutex
	jar http.CookieJar
}

func (j *resettableJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	j.jar.SetCookies(u, cookies)
}

func (j *resettableJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.jar.Cookies(u)
}

func (j *resettableJar) reset() {
	j.mu.Lock()
	j.jar = newJar()
	j.mu.Unlock()
}

func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > c.config.MaxRedirects {
		return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, c.config.MaxRedirects)
	}
	c.logger.Debug("following redirect", "url", req.URL.String(), "hops", len(via))
	return nil
}

// Send performs req. Non-2xx responses are returned, not turned into errors.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	ctx, id, err := c.track(ctx)
	if err != nil {
		return nil, err
	}

	httpReq, err := c.build(ctx, req)
	if err != nil {
		c.untrack(id)
		return nil, err
	}

	c.logger.Debug("sending request", "method", httpReq.Method, "url", httpReq.URL.String(), "offset", req.Offset)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.untrack(id)
		return nil, fmt.Errorf("failed to send %s %s: %w", httpReq.Method, req.URL, err)
	}

	body := io.ReadCloser(resp.Body)
	length := resp.ContentLength
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			c.untrack(id)
			return nil, fmt.Errorf("failed to read gzip response from %s: %w", req.URL, err)
		}
		body = &gzipBody{Reader: zr, raw: resp.Body}
		length = -1
	}

	return &Response{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		Body:          &trackedBody{ReadCloser: body, release: func() { c.untrack(id) }},
		ContentLength: length,
		Charset:       charsetOf(resp.Header.Get("Content-Type")),
		URL:           resp.Request.URL.String(),
	}, nil
}

func (c *Client) build(ctx context.Context, req *Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid request url %q: %w", req.URL, err)
	}

	var body io.Reader
	formBody := false
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		if len(req.Params) > 0 {
			q := u.Query()
			for k, vs := range req.Params {
				for _, v := range vs {
					q.Add(k, v)
				}
			}
			u.RawQuery = q.Encode()
		}
	default:
		if len(req.Params) > 0 {
			body = strings.NewReader(req.Params.Encode())
			formBody = true
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if formBody {
		charset := req.Charset
		if charset == "" {
			charset = "utf-8"
		}
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset="+charset)
	}
	if c.config.UserAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
	}
	if req.Gzip {
		httpReq.Header.Set("Accept-Encoding", "gzip")
	}
	if req.Offset > 0 {
		httpReq.Header.Set("Range", "bytes="+strconv.FormatInt(req.Offset, 10)+"-")
	}
	return httpReq, nil
}

// Abort cancels every in-flight request
func (c *Client) Abort() {
	c.mu.Lock()
	cancels := c.inflight
	c.inflight = make(map[uint64]context.CancelFunc)
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		c.logger.Debug("aborted requests", "count", len(cancels))
	}
}

// ClearCookies forgets all cookies
func (c *Client) ClearCookies() {
	c.jar.reset()
}

// Dispose aborts in-flight requests and closes idle connections. Later sends
// fail with ErrDisposed.
func (c *Client) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.mu.Unlock()

	c.Abort()
	c.ClearCookies()
	c.transport.CloseIdleConnections()
	c.logger.Info("http client disposed")
}

func (c *Client) track(ctx context.Context) (context.Context, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil, 0, ErrDisposed
	}
	ctx, cancel := context.WithCancel(ctx)
	c.nextID++
	c.inflight[c.nextID] = cancel
	return ctx, c.nextID, nil
}

func (c *Client) untrack(id uint64) {
	c.mu.Lock()
	cancel, ok := c.inflight[id]
	delete(c.inflight, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// trackedBody releases the request's cancel func once the body is closed
type trackedBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *trackedBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}

type gzipBody struct {
	*gzip.Reader
	raw io.Closer
}

func (b *gzipBody) Close() error {
	zerr := b.Reader.Close()
	if err := b.raw.Close(); err != nil {
		return err
	}
	return zerr
}

// charsetOf extracts the charset parameter of a Content-Type header
func charsetOf(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(params["charset"])
}
