package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 answers the handful of path-style requests the client makes.
type fakeS3 struct {
	mu           sync.Mutex
	bucketExists bool
	created      bool
	puts         map[string]fakeObject
	failPut      bool
}

type fakeObject struct {
	body        string
	contentType string
	checksum    string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	switch {
	case r.Method == http.MethodHead && len(parts) == 1:
		if !f.bucketExists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut && len(parts) == 1:
		f.bucketExists = true
		f.created = true
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut && len(parts) == 2:
		if f.failPut {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, `<Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.puts[parts[1]] = fakeObject{
			body:        string(body),
			contentType: r.Header.Get("Content-Type"),
			checksum:    r.Header.Get("X-Amz-Meta-Checksum-Sha256"),
		}
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func setupS3Test(t *testing.T, bucketExists bool) (*S3Client, *fakeS3) {
	t.Helper()

	fake := &fakeS3{bucketExists: bucketExists, puts: map[string]fakeObject{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.S3Endpoint = srv.URL
	cfg.S3Bucket = "archives"
	cfg.S3AccessKey = "test"
	cfg.S3SecretKey = "test"
	cfg.S3UsePathStyle = true

	client, err := NewS3Client(context.Background(), cfg)
	require.NoError(t, err)
	return client, fake
}

func TestNewS3Client_CreatesMissingBucket(t *testing.T) {
	client, fake := setupS3Test(t, false)
	assert.Equal(t, "archives", client.Bucket())
	assert.True(t, fake.created)
}

func TestNewS3Client_ExistingBucket(t *testing.T) {
	_, fake := setupS3Test(t, true)
	assert.False(t, fake.created)
}

func TestS3Client_PutObject(t *testing.T) {
	client, fake := setupS3Test(t, true)

	payload := `{"id":1,"action":"subscription.cancel"}` + "\n"
	err := client.PutObject(context.Background(), "event-logs/2026/batch.jsonl", strings.NewReader(payload), "application/x-ndjson")
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	obj, ok := fake.puts["event-logs/2026/batch.jsonl"]
	require.True(t, ok)
	assert.Contains(t, obj.body, payload)
	assert.Equal(t, "application/x-ndjson", obj.contentType)
	assert.Len(t, obj.checksum, 64)
}

func TestS3Client_PutObjectFailure(t *testing.T) {
	client, fake := setupS3Test(t, true)
	fake.mu.Lock()
	fake.failPut = true
	fake.mu.Unlock()

	err := client.PutObject(context.Background(), "k", strings.NewReader("x"), "text/plain")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upload to s3")
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("read failed") }

func TestS3Client_PutObjectReadError(t *testing.T) {
	client, _ := setupS3Test(t, true)

	err := client.PutObject(context.Background(), "k", errReader{}, "text/plain")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read content")
}

func TestIsBucketAlreadyExistsError(t *testing.T) {
	assert.True(t, isBucketAlreadyExistsError(errors.New("api error BucketAlreadyOwnedByYou: yours")))
	assert.True(t, isBucketAlreadyExistsError(errors.New("BucketAlreadyExists")))
	assert.False(t, isBucketAlreadyExistsError(errors.New("AccessDenied")))
}
