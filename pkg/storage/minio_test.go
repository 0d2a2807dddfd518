package storage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// s3Stub answers the handful of S3 calls MinIOStore makes.
type s3Stub struct {
	mu         sync.Mutex
	buckets    map[string]bool
	objects    map[string][]byte
	forbidden  map[string]bool
	makeBucket int
	puts       []string
}

func newS3Stub() *s3Stub {
	return &s3Stub{buckets: map[string]bool{}, objects: map[string][]byte{}, forbidden: map[string]bool{}}
}

func (s *s3Stub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, key, _ := strings.Cut(strings.Trim(r.URL.Path, "/"), "/")

	if key == "" {
		switch r.Method {
		case http.MethodHead:
			if !s.buckets[bucket] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			s.makeBucket++
			s.buckets[bucket] = true
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	if s.forbidden[key] {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	switch r.Method {
	case http.MethodPut:
		s.puts = append(s.puts, key+"|"+r.Header.Get("Content-Type"))
		s.objects[key] = []byte("stored")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := s.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("ETag", `"etag"`)
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case http.MethodDelete:
		if _, ok := s.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(s.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *s3Stub) snapshot() (makeBucket int, puts []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.makeBucket, append([]string(nil), s.puts...)
}

func (s *s3Stub) store(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
}

func (s *s3Stub) forbid(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forbidden[key] = true
}

func newStubbedMinIOStore(t *testing.T) (*MinIOStore, *s3Stub) {
	t.Helper()
	stub := newS3Stub()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	store, err := NewMinIOStore(MinIOConfig{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "payloads",
		Region:    "us-east-1",
	})
	require.NoError(t, err)
	return store, stub
}

func TestMinIOStoreEnsureBucketIsIdempotent(t *testing.T) {
	store, stub := newStubbedMinIOStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureBucket(ctx))
	require.NoError(t, store.EnsureBucket(ctx))
	made, _ := stub.snapshot()
	assert.Equal(t, 1, made)
}

func TestMinIOStoreObjectLifecycle(t *testing.T) {
	store, stub := newStubbedMinIOStore(t)
	ctx := context.Background()
	require.NoError(t, store.EnsureBucket(ctx))
	key := PayloadKey("sub-1")

	_, err := store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrObjectNotFound)

	require.NoError(t, store.Put(ctx, "/"+key, []byte(`{"scope1":42}`)))
	_, puts := stub.snapshot()
	assert.Equal(t, []string{key + "|application/json"}, puts)

	stub.store(key, []byte(`{"scope1":42}`))
	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"scope1":42}`, string(data))

	require.NoError(t, store.Delete(ctx, key))
	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrObjectNotFound)

	_, err = store.Get(ctx, "../escape")
	assert.Error(t, err)
}

func TestMinIOStoreSurfacesOtherErrors(t *testing.T) {
	store, stub := newStubbedMinIOStore(t)
	ctx := context.Background()
	require.NoError(t, store.EnsureBucket(ctx))
	stub.forbid("locked.json")

	_, err := store.Get(ctx, "locked.json")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrObjectNotFound))
	var s3Err minio.ErrorResponse
	require.True(t, errors.As(err, &s3Err))
	assert.Equal(t, "AccessDenied", s3Err.Code)

	err = store.Delete(ctx, "locked.json")
	require.Error(t, err)
}

func TestTranslateMinIOError(t *testing.T) {
	assert.ErrorIs(t, translateMinIOError(minio.ErrorResponse{Code: "NoSuchKey"}, "get"), ErrObjectNotFound)
	assert.ErrorIs(t, translateMinIOError(minio.ErrorResponse{Code: "NoSuchObject"}, "get"), ErrObjectNotFound)

	err := translateMinIOError(minio.ErrorResponse{Code: "SlowDown"}, "get payload object")
	assert.False(t, errors.Is(err, ErrObjectNotFound))
	assert.Contains(t, err.Error(), "get payload object")
}
