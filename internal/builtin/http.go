package builtin

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skein-dev/skein/internal/providers"
	"github.com/skein-dev/skein/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPConfig bounds outbound requests made by the http provider.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text","raw"], "default": "json"},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer","basic","api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "fail_on_error_status": {"type": "boolean", "default": false}
  },
  "required": ["url"]
}`

const httpResponseSchema = `{
  "type": "object",
  "properties": {
    "status_code": {"type": "integer"},
    "status": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "content_type": {"type": "string"},
    "duration_ms": {"type": "integer"}
  }
}`

const httpGetInputSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "auth": {"type": "object"},
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "fail_on_error_status": {"type": "boolean", "default": false}
  },
  "required": ["url"]
}`

const httpPostInputSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text","raw"], "default": "json"},
    "auth": {"type": "object"},
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "fail_on_error_status": {"type": "boolean", "default": false}
  },
  "required": ["url"]
}`

var _ providers.ActionProvider = (*HTTPProvider)(nil)

// HTTPProvider handles outbound HTTP calls: a fully parameterized "request"
// action plus "get" and "post" conveniences that force the method.
type HTTPProvider struct {
	cfg HTTPConfig
}

func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPProvider{cfg: cfg}
}

func (p *HTTPProvider) Name() string { return "http" }

func (p *HTTPProvider) Manifest() providers.Manifest {
	return providers.Manifest{
		Provider:    "http",
		Description: "Outbound HTTP requests with header, body, auth, and redirect control.",
		Actions: map[string]providers.ActionSpec{
			"request": {
				Description:  "Execute an HTTP request with full control over method, headers, body, auth, and redirects.",
				InputSchema:  mustSchema(httpRequestInputSchema),
				OutputSchema: mustSchema(httpResponseSchema),
			},
			"get": {
				Description:  "Convenience action for HTTP GET requests.",
				InputSchema:  mustSchema(httpGetInputSchema),
				OutputSchema: mustSchema(httpResponseSchema),
				Idempotent:   true,
			},
			"post": {
				Description:  "Convenience action for HTTP POST requests.",
				InputSchema:  mustSchema(httpPostInputSchema),
				OutputSchema: mustSchema(httpResponseSchema),
			},
		},
	}
}

func (p *HTTPProvider) Invoke(ctx context.Context, action string, params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	switch action {
	case "request":
		return p.do(ctx, params, "")
	case "get":
		return p.do(ctx, params, http.MethodGet)
	case "post":
		return p.do(ctx, params, http.MethodPost)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityMismatch, "http: unknown action %q", action)
	}
}

// do executes one request. forceMethod overrides any "method" param for the
// get/post conveniences.
func (p *HTTPProvider) do(ctx context.Context, params map[string]any, forceMethod string) (any, error) {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http: invalid url %q", rawURL)
	}

	method := forceMethod
	if method == "" {
		method = strings.ToUpper(stringParam(params, "method", "GET"))
	}

	timeout := p.cfg.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	bodyReader, contentType, err := encodeBody(params)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: failed to create request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hm, ok := params["headers"].(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	applyAuth(req, params)

	client := p.newClient(params)

	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: failed to read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parseBody(bodyBytes, respContentType),
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}

	if boolParam(params, "fail_on_error_status", false) && resp.StatusCode >= 400 {
		// 4xx is the caller's fault and retrying will not help; 5xx may clear.
		code := schema.ErrCodeNonRetryable
		if resp.StatusCode >= 500 {
			code = schema.ErrCodeExecution
		}
		return nil, schema.NewErrorf(code, "http: server returned %d", resp.StatusCode).WithDetails(result)
	}

	return result, nil
}

// encodeBody turns the "body" param into a reader per "body_encoding".
func encodeBody(params map[string]any) (io.Reader, string, error) {
	rawBody, ok := params["body"]
	if !ok || rawBody == nil {
		return nil, "", nil
	}
	switch stringParam(params, "body_encoding", "json") {
	case "form":
		formData, ok := rawBody.(map[string]any)
		if !ok {
			return nil, "", nil
		}
		vals := url.Values{}
		for k, v := range formData {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprintf("%v", rawBody)), "text/plain", nil
	case "raw":
		return strings.NewReader(fmt.Sprintf("%v", rawBody)), "", nil
	default: // json
		b, err := json.Marshal(rawBody)
		if err != nil {
			return nil, "", schema.NewErrorf(schema.ErrCodeExecution, "http: failed to marshal body as JSON").WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func applyAuth(req *http.Request, params map[string]any) {
	auth, ok := params["auth"].(map[string]any)
	if !ok {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}

// newClient builds a per-call client so redirect and TLS settings never
// mutate shared state.
func (p *HTTPProvider) newClient(params map[string]any) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if boolParam(params, "tls_skip_verify", false) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	if !boolParam(params, "follow_redirects", true) {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if limit := intParam(params, "max_redirects", 10); limit > 0 {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}
	return client
}

// parseBody decodes JSON responses so downstream steps can reference fields
// directly; everything else passes through as a string.
func parseBody(body []byte, contentType string) any {
	if len(body) == 0 {
		return nil
	}
	if strings.Contains(contentType, "application/json") {
		var parsed any
		if err := json.Unmarshal(body, &parsed); err == nil {
			return parsed
		}
	}
	return string(body)
}
