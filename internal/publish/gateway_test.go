package publish

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPUploaderPutsUnderContentAddress(t *testing.T) {
	var gotPath, gotRequestID string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRequestID = r.Header.Get("X-Request-Id")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"anchor_tx":"tx-123"}`))
	}))
	defer srv.Close()

	body := []byte(`{"content":"insight"}`)
	addr := ContentAddress(body)
	tx, err := NewHTTPUploader(srv.URL).Upload(context.Background(), addr, body)
	require.NoError(t, err)

	assert.Equal(t, "tx-123", tx)
	assert.Equal(t, "/v1/content/"+addr, gotPath)
	assert.NotEmpty(t, gotRequestID)
	assert.Equal(t, body, gotBody)
}

func TestHTTPUploaderConflictIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"anchor_tx":"tx-prior"}`))
	}))
	defer srv.Close()

	tx, err := NewHTTPUploader(srv.URL).Upload(context.Background(), "sha256:ab", []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, "tx-prior", tx)
}

func TestHTTPUploaderServerErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPUploader(srv.URL).Upload(context.Background(), "sha256:ab", []byte("{}"))
	assert.ErrorContains(t, err, "502")
}

func TestHTTPUploaderMissingAnchorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewHTTPUploader(srv.URL).Upload(context.Background(), "sha256:ab", []byte("{}"))
	assert.ErrorContains(t, err, "anchor_tx")
}
