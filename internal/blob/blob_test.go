package blob

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agroreg/internal/config"
)

func exercise(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	key := NewKey("applications", "Receipt.PDF")
	require.True(t, strings.HasPrefix(key, "applications/"))
	require.True(t, strings.HasSuffix(key, ".pdf"))

	info, err := st.Put(ctx, key, strings.NewReader("%PDF-1.4 receipt"), "application/pdf")
	require.NoError(t, err)
	assert.EqualValues(t, 16, info.Size)

	got, rc, err := st.Get(ctx, key)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 receipt", string(body))
	assert.EqualValues(t, 16, got.Size)

	require.NoError(t, st.Delete(ctx, key))
	_, _, err = st.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.Put(ctx, "../escape.txt", strings.NewReader("x"), "")
	assert.Error(t, err)
}

func TestFilesystemStore(t *testing.T) {
	st, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	exercise(t, st)
	assert.ErrorIs(t, st.Delete(context.Background(), "applications/missing.pdf"), ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	st := NewMemory()
	exercise(t, st)
	assert.Equal(t, 0, st.Len())
}

func TestNewKeyIsUnique(t *testing.T) {
	a := NewKey("permits", "invoice.xlsx")
	b := NewKey("permits", "invoice.xlsx")
	assert.NotEqual(t, a, b)
	assert.Equal(t, "labels/", NewKey("labels", "noext")[:7])
}

func TestOpenSelectsDriver(t *testing.T) {
	st, err := Open(context.Background(), config.StorageConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, st.Driver())

	_, err = Open(context.Background(), config.StorageConfig{Driver: "ftp"})
	assert.Error(t, err)

	_, err = Open(context.Background(), config.StorageConfig{Driver: "s3"})
	assert.Error(t, err, "bucket is required")
}

// fakeS3 answers the path-style object requests the store issues.
type fakeS3 struct {
	mu   sync.Mutex
	objs map[string][]byte
	ct   map[string]string
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.TrimPrefix(req.URL.Path, "/uploads/")
	resp := func(code int, body []byte, h http.Header) *http.Response {
		if h == nil {
			h = http.Header{}
		}
		return &http.Response{StatusCode: code, Header: h, Body: io.NopCloser(bytes.NewReader(body)), Request: req}
	}
	switch req.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		f.objs[key] = body
		f.ct[key] = req.Header.Get("Content-Type")
		return resp(http.StatusOK, nil, http.Header{"Etag": {`"e"`}}), nil
	case http.MethodGet:
		body, ok := f.objs[key]
		if !ok {
			return resp(http.StatusNotFound, nil, nil), nil
		}
		return resp(http.StatusOK, body, http.Header{
			"Content-Length": {strconv.Itoa(len(body))},
			"Content-Type":   {f.ct[key]},
		}), nil
	case http.MethodDelete:
		delete(f.objs, key)
		return resp(http.StatusNoContent, nil, nil), nil
	}
	return resp(http.StatusNotImplemented, nil, nil), nil
}

func TestS3Store(t *testing.T) {
	fake := &fakeS3{objs: map[string][]byte{}, ct: map[string]string{}}
	st, err := NewS3(context.Background(), config.S3Config{Bucket: "uploads", Endpoint: "https://s3.test.local", PathStyle: true},
		func(o *s3.Options) {
			o.HTTPClient = &http.Client{Transport: fake}
			o.Credentials = credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")
			o.Retryer = aws.NopRetryer{}
		})
	require.NoError(t, err)
	assert.Equal(t, DriverS3, st.Driver())

	ctx := context.Background()
	info, err := st.Put(ctx, "labels/a.png", strings.NewReader("png"), "image/png")
	require.NoError(t, err)
	assert.EqualValues(t, 3, info.Size)
	assert.Equal(t, []byte("png"), fake.objs["labels/a.png"])
	assert.Equal(t, "image/png", fake.ct["labels/a.png"])

	got, rc, err := st.Get(ctx, "labels/a.png")
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "png", string(body))
	assert.Equal(t, "image/png", got.ContentType)

	require.NoError(t, st.Delete(ctx, "labels/a.png"))
	_, _, err = st.Get(ctx, "labels/a.png")
	assert.ErrorIs(t, err, ErrNotFound)
}
