package netguard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Fetch defaults.
const (
	DefaultTimeout        = 20 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultMaxBytes       = 2 << 20
	DefaultMaxRedirects   = 5
	DefaultUserAgent      = "latch/1.0 (+https://github.com/dativo-io/latch)"
)

// FetcherOptions configures a Fetcher. Zero values select the defaults above.
type FetcherOptions struct {
	Timeout        time.Duration
	ConnectTimeout time.Duration
	MaxBytes       int64
	MaxRedirects   int
	// RequestsPerMinute bounds outbound requests for the whole daemon; 0 disables.
	RequestsPerMinute int
	UserAgent         string
}

// Response is a fetched document reduced to text.
type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Text        string
	Truncated   bool
}

// Fetcher performs GETs and JSON POSTs through a Validator. Every redirect
// hop is validated again and every connection re-checks the addresses it
// dials, so a DNS answer that changes after validation cannot reach a
// private address.
type Fetcher struct {
	validator *Validator
	sensitive SensitiveSource
	client    *http.Client
	limiter   *rate.Limiter
	maxBytes  int64
	userAgent string
	strip     *bluemonday.Policy
}

// NewFetcher builds a Fetcher. sensitive may be nil.
func NewFetcher(v *Validator, sensitive SensitiveSource, opts FetcherOptions) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultMaxRedirects
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	f := &Fetcher{
		validator: v,
		sensitive: sensitive,
		maxBytes:  opts.MaxBytes,
		userAgent: opts.UserAgent,
		strip:     bluemonday.StrictPolicy(),
	}
	if opts.RequestsPerMinute > 0 {
		f.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), opts.RequestsPerMinute)
	}

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           f.guardedDial(dialer),
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.Timeout,
		MaxIdleConns:          16,
		IdleConnTimeout:       30 * time.Second,
	}
	maxRedirects := opts.MaxRedirects
	f.client = &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("%w: %w: more than %d hops", ErrSecurityViolation, ErrTooManyRedirects, maxRedirects)
			}
			_, err := v.Validate(req.Context(), req.URL.String(), sensitive)
			return err
		},
	}
	return f
}

// guardedDial resolves and checks the target again at connect time and dials
// the checked IP, so validation and connection see the same address.
func (f *Fetcher) guardedDial(d *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if f.validator.IsBypass(host) {
			return d.DialContext(ctx, network, addr)
		}
		addrs, err := f.validator.ResolveChecked(ctx, host)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, a := range addrs {
			conn, err := d.DialContext(ctx, network, net.JoinHostPort(a.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}

// Get validates rawURL and fetches it. HTML is reduced to plain text.
// Non-2xx statuses are returned in the Response, not as errors.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (*Response, error) {
	ctx, span := tracer.Start(ctx, "netguard.get")
	defer span.End()

	u, err := f.validator.Validate(ctx, rawURL, f.sensitive)
	if err != nil {
		span.SetStatus(codes.Error, "rejected")
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	req.Header.Set("Accept", "text/html,text/plain,application/json;q=0.9,*/*;q=0.5")
	return f.do(ctx, span, req)
}

// PostJSON validates rawURL and posts body as JSON, returning the raw response text.
func (f *Fetcher) PostJSON(ctx context.Context, rawURL string, body any, headers map[string]string) (*Response, error) {
	ctx, span := tracer.Start(ctx, "netguard.post_json")
	defer span.End()

	u, err := f.validator.Validate(ctx, rawURL, f.sensitive)
	if err != nil {
		span.SetStatus(codes.Error, "rejected")
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return f.do(ctx, span, req)
}

func (f *Fetcher) do(ctx context.Context, span trace.Span, req *http.Request) (*Response, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("fetch rate limit: %w", err)
		}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, unwrapClientError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	truncated := int64(len(body)) > f.maxBytes
	if truncated {
		body = body[:f.maxBytes]
	}

	ct := resp.Header.Get("Content-Type")
	text := string(body)
	if strings.Contains(strings.ToLower(ct), "html") {
		text = f.htmlToText(text)
	}
	span.SetAttributes(
		attribute.Int("http.response.status_code", resp.StatusCode),
		attribute.Int("netguard.bytes", len(body)),
		attribute.Bool("netguard.truncated", truncated),
	)
	return &Response{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: ct,
		Text:        text,
		Truncated:   truncated,
	}, nil
}

var blankRun = regexp.MustCompile(`\n\s*\n+`)
var spaceRun = regexp.MustCompile(`[ \t\r\f\v]+`)

func (f *Fetcher) htmlToText(doc string) string {
	// Block-level tags become line breaks before the sanitizer drops them.
	doc = blockTags.ReplaceAllString(doc, "\n$0")
	text := html.UnescapeString(f.strip.Sanitize(doc))
	text = spaceRun.ReplaceAllString(text, " ")
	text = blankRun.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

var blockTags = regexp.MustCompile(`(?i)<(p|div|br|li|h[1-6]|tr|section|article)\b`)

// unwrapClientError strips the *url.Error envelope from policy rejections so
// callers see the validator's message. errors.Is keeps working either way.
func unwrapClientError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) && (errors.Is(err, ErrSecurityViolation) || errors.Is(err, ErrValidation)) {
		return ue.Err
	}
	return err
}
