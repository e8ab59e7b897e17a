package httprequest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

func requestNode(config map[string]interface{}) runtime.WorkflowNode {
	return runtime.WorkflowNode{ID: "http-1", Type: runtime.NodeTypeHTTPRequest, Config: config}
}

func TestHTTPRequest_JSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"id": 7, "tags": ["a"]}`))
	}))
	defer server.Close()

	out, err := NewHandler().Execute(context.Background(), requestNode(map[string]interface{}{
		"url": server.URL,
	}), nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{"id": float64(7), "tags": []interface{}{"a"}}, out)
}

func TestHTTPRequest_TextResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("pong"))
	}))
	defer server.Close()

	out, err := NewHandler().Execute(context.Background(), requestNode(map[string]interface{}{
		"url": server.URL,
	}), nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
}

func TestHTTPRequest_ResolvesURLHeadersAndBody(t *testing.T) {
	var gotBody string
	var gotAuth, gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		assert.Equal(t, "/users", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	ec := runtime.NewExecutionContext(
		map[string]interface{}{"endpoint": server.URL + "/users", "name": "ada"},
		map[string]interface{}{"token": "Bearer abc"},
	)

	_, err := NewHandler().Execute(context.Background(), requestNode(map[string]interface{}{
		"url":     "{{endpoint}}",
		"method":  "post",
		"headers": map[string]interface{}{"Authorization": "{{token}}"},
		"body":    map[string]interface{}{"name": "{{name}}"},
	}), ec)
	require.NoError(t, err)

	assert.Equal(t, "Bearer abc", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, `{"name":"ada"}`, gotBody)
}

func TestHTTPRequest_GetIgnoresBody(t *testing.T) {
	var length int64 = -1
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		length = int64(len(b))
	}))
	defer server.Close()

	_, err := NewHandler().Execute(context.Background(), requestNode(map[string]interface{}{
		"url":  server.URL,
		"body": "ignored",
	}), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)
}

func TestHTTPRequest_MissingURL(t *testing.T) {
	_, err := NewHandler().Execute(context.Background(), requestNode(map[string]interface{}{}), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "URL is required for HTTP request")
	assert.True(t, sdkerrors.IsValidation(err))
}

func TestHTTPRequest_Non2xx(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("no such thing"))
	}))
	defer server.Close()

	_, err := NewHandler().Execute(context.Background(), requestNode(map[string]interface{}{
		"url": server.URL,
	}), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	var svcErr *sdkerrors.ExternalServiceError
	require.True(t, errors.As(err, &svcErr))
	assert.Equal(t, http.StatusNotFound, svcErr.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "non-429 errors are not retried")
}

func TestHTTPRequest_RetriesRateLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	h := NewHandler(WithRetryInterval(time.Millisecond))
	out, err := h.Execute(context.Background(), requestNode(map[string]interface{}{
		"url": server.URL,
	}), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"ok": true}, out)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPRequest_RateLimitExhausted(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	h := NewHandler(WithRetryInterval(time.Millisecond))
	_, err := h.Execute(context.Background(), requestNode(map[string]interface{}{
		"url":        server.URL,
		"maxRetries": 2,
	}), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Equal(t, "ExternalServiceError", sdkerrors.TypeName(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPRequest_RetryDisabled(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := NewHandler().Execute(context.Background(), requestNode(map[string]interface{}{
		"url":              server.URL,
		"retryOnRateLimit": false,
	}), nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
