package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicURL(t *testing.T) {
	c := NewClient("https://abc.supabase.co/", "key")
	assert.Equal(t,
		"https://abc.supabase.co/storage/v1/object/public/scan-images/user-1/1700000000000.jpg",
		c.PublicURL("scan-images", "user-1/1700000000000.jpg"),
	)
}

func TestUpload_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/storage/v1/object/scan-images/user-1/1.jpg", r.URL.Path)
		assert.Equal(t, "Bearer svc", r.Header.Get("Authorization"))
		assert.Equal(t, "false", r.Header.Get("x-upsert"))
		assert.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, []byte("jpegdata"), body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Key":"scan-images/user-1/1.jpg","Id":"obj-1"}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "svc")
	res, err := c.Upload(context.Background(), "scan-images", "user-1/1.jpg", []byte("jpegdata"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "scan-images/user-1/1.jpg", res.Key)
	assert.Equal(t, "obj-1", res.ID)
	assert.Equal(t, 8, res.Size)
}

func TestUpload_Duplicate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"statusCode":"409","error":"Duplicate","message":"The resource already exists"}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "svc")
	_, err := c.Upload(context.Background(), "scan-images", "user-1/1.jpg", []byte("x"), "image/jpeg")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrObjectExists))
}

func TestUpload_QuotaExceededPropagates(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_, _ = w.Write([]byte(`{"statusCode":"413","error":"Payload too large","message":"quota exceeded"}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "svc")
	_, err := c.Upload(context.Background(), "scan-images", "user-1/1.jpg", []byte("x"), "image/jpeg")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 413, apiErr.StatusCode)
	assert.Equal(t, "quota exceeded", apiErr.Message)
	assert.Equal(t, 1, calls, "uploads are never retried")
}

func TestUpload_NonJSONError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("bad gateway"))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "svc")
	_, err := c.Upload(context.Background(), "b", "p.jpg", []byte("x"), "image/jpeg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502: bad gateway")
}
