package gcs

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newFakeGCS(t *testing.T, status int) (*storage.Client, *atomic.Int32) {
	t.Helper()
	var uploads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		uploads.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{"bucket":"docs","name":"job/abc.json","size":"2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"error":{"code":412,"message":"conditionNotMet"}}`))
	}))
	t.Cleanup(srv.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, &uploads
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "docs"})
	require.ErrorContains(t, err, "client is required")

	client, _ := newFakeGCS(t, http.StatusOK)
	_, err = New(client, Config{})
	require.ErrorContains(t, err, "bucket name is required")
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	client, uploads := newFakeGCS(t, http.StatusOK)
	store, err := New(client, Config{Bucket: "docs"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "job/abc.json", "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	require.Equal(t, "gs://docs/job/abc.json", uri)
	require.Equal(t, int32(1), uploads.Load())

	_, err = store.PutObject(context.Background(), " ", "application/json", bytes.NewReader(nil))
	require.ErrorContains(t, err, "path is required")
}

func TestPutObjectExistingDocumentIsNotAnError(t *testing.T) {
	t.Parallel()

	client, _ := newFakeGCS(t, http.StatusPreconditionFailed)
	store, err := New(client, Config{Bucket: "docs"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "job/abc.json", "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	require.Equal(t, "gs://docs/job/abc.json", uri)
}
