package builtin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/pkg/schema"
)

func invokeHTTP(t *testing.T, action string, params map[string]any) (map[string]any, error) {
	t.Helper()
	p := NewHTTPProvider(HTTPConfig{})
	out, err := p.Invoke(context.Background(), action, params)
	if err != nil {
		return nil, err
	}
	result, ok := out.(map[string]any)
	require.True(t, ok, "http provider must return a map")
	return result, nil
}

func TestHTTP_GetParsesJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name": "skein", "count": 3}`))
	}))
	defer srv.Close()

	result, err := invokeHTTP(t, "get", map[string]any{"url": srv.URL})
	require.NoError(t, err)

	assert.Equal(t, 200, result["status_code"])
	body, ok := result["body"].(map[string]any)
	require.True(t, ok, "JSON body should be parsed")
	assert.Equal(t, "skein", body["name"])
	assert.Equal(t, float64(3), body["count"])
}

func TestHTTP_NonJSONBodyIsString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	result, err := invokeHTTP(t, "get", map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "plain text", result["body"])
}

func TestHTTP_PostSendsJSONBody(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	result, err := invokeHTTP(t, "post", map[string]any{
		"url":  srv.URL,
		"body": map[string]any{"key": "value"},
	})
	require.NoError(t, err)

	assert.Equal(t, 201, result["status_code"])
	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, `{"key":"value"}`, string(gotBody))
}

func TestHTTP_FormEncoding(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	_, err := invokeHTTP(t, "post", map[string]any{
		"url":           srv.URL,
		"body":          map[string]any{"a": "1"},
		"body_encoding": "form",
	})
	require.NoError(t, err)
	assert.Equal(t, "application/x-www-form-urlencoded", gotContentType)
	assert.Equal(t, "a=1", string(gotBody))
}

func TestHTTP_BearerAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	_, err := invokeHTTP(t, "get", map[string]any{
		"url":  srv.URL,
		"auth": map[string]any{"type": "bearer", "token": "tok-123"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", gotAuth)
}

func TestHTTP_CustomHeaders(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Trace")
	}))
	defer srv.Close()

	_, err := invokeHTTP(t, "get", map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"X-Trace": "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", gotHeader)
}

func TestHTTP_FailOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := invokeHTTP(t, "get", map[string]any{
		"url":                  srv.URL,
		"fail_on_error_status": true,
	})
	require.Error(t, err)
	// 4xx is the caller's fault.
	assert.True(t, schema.HasCode(err, schema.ErrCodeNonRetryable))

	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 404, serr.Details["status_code"])
}

func TestHTTP_FailOnServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := invokeHTTP(t, "get", map[string]any{
		"url":                  srv.URL,
		"fail_on_error_status": true,
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestHTTP_ErrorStatusWithoutFlagSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	result, err := invokeHTTP(t, "get", map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 502, result["status_code"])
}

func TestHTTP_NoFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	result, err := invokeHTTP(t, "get", map[string]any{
		"url":              srv.URL,
		"follow_redirects": false,
	})
	require.NoError(t, err)
	assert.Equal(t, 302, result["status_code"])
}

func TestHTTP_ResponseBodyTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{MaxResponseBody: 16})
	out, err := p.Invoke(context.Background(), "get", map[string]any{"url": srv.URL})
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Len(t, result["body"].(string), 16)
}

func TestHTTP_InvalidURL(t *testing.T) {
	_, err := invokeHTTP(t, "get", map[string]any{"url": "ftp://example.com/file"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = invokeHTTP(t, "request", map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestHTTP_UnknownAction(t *testing.T) {
	_, err := invokeHTTP(t, "delete", map[string]any{"url": "http://example.com"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCapabilityMismatch))
}

func TestHTTP_Manifest(t *testing.T) {
	m := NewHTTPProvider(HTTPConfig{}).Manifest()
	assert.Equal(t, "http", m.Provider)
	require.Len(t, m.Actions, 3)
	assert.True(t, m.Actions["get"].Idempotent)
	assert.False(t, m.Actions["post"].Idempotent)

	// Schema literals must parse into real documents.
	for name, spec := range m.Actions {
		assert.NotEmpty(t, spec.InputSchema, "action %s", name)
		assert.NotEmpty(t, spec.OutputSchema, "action %s", name)
	}
	data, err := json.Marshal(m.Actions["request"].InputSchema)
	require.NoError(t, err)
	assert.Contains(t, string(data), "fail_on_error_status")
}
