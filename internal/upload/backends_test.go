package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/smithy-go"
)

// httpEndpoint points an Endpoint at an httptest server
func httpEndpoint(t *testing.T, server *httptest.Server, remoteDir string) Endpoint {
	t.Helper()

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)

	return Endpoint{Scheme: "http", Host: host, Port: port, Path: remoteDir, Username: "recorder"}
}

func stageFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "staged.wav")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHTTPTransferSuccess(t *testing.T) {
	content := []byte("RIFF....WAVE")
	var gotPath, gotUser, gotPass, gotType string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("Expected PUT, got %s", r.Method)
		}
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	transferer := NewHTTP(httpEndpoint(t, server, "/recordings"), 5*time.Second, testLogger())
	err := transferer.Transfer(context.Background(), &TransferRequest{
		LocalPath:   stageFile(t, content),
		RemoteName:  "abc.wav",
		Size:        int64(len(content)),
		ContentType: "audio/wav",
		Username:    "recorder",
		Password:    "hunter2",
	})
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	if gotPath != "/recordings/abc.wav" {
		t.Errorf("Expected /recordings/abc.wav, got %s", gotPath)
	}
	if gotUser != "recorder" || gotPass != "hunter2" {
		t.Errorf("Expected basic auth recorder/hunter2, got %s/%s", gotUser, gotPass)
	}
	if gotType != "audio/wav" {
		t.Errorf("Expected audio/wav, got %s", gotType)
	}
	if !bytes.Equal(gotBody, content) {
		t.Errorf("Expected body %q, got %q", content, gotBody)
	}
}

func TestHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		target error
	}{
		{http.StatusUnauthorized, ErrAuth},
		{http.StatusForbidden, ErrAuth},
		{http.StatusServiceUnavailable, ErrUnavailable},
		{http.StatusTooManyRequests, ErrUnavailable},
		{http.StatusRequestEntityTooLarge, ErrRejected},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			transferer := NewHTTP(httpEndpoint(t, server, "/"), 5*time.Second, testLogger())
			err := transferer.Transfer(context.Background(), &TransferRequest{
				LocalPath:  stageFile(t, []byte{1}),
				RemoteName: "a.wav",
			})
			if !errors.Is(err, tt.target) {
				t.Errorf("Expected %v, got %v", tt.target, err)
			}
		})
	}
}

func TestHTTPUnauthorizedThroughManager(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	transferer := NewHTTP(httpEndpoint(t, server, "/"), 5*time.Second, testLogger())
	m := newTestManager(t, transferer, Config{MaxRetries: 3})

	_, err := m.Upload(context.Background(), []byte{1, 2, 3})
	transferErr, ok := IsTransferError(err)
	if !ok || transferErr.Reason != ReasonAuth {
		t.Fatalf("Expected auth TransferError, got %v", err)
	}
	if requests.Load() != 1 {
		t.Errorf("Expected a single request for a 401, got %d", requests.Load())
	}
}

func TestHTTPServerErrorRetried(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	transferer := NewHTTP(httpEndpoint(t, server, "/"), 5*time.Second, testLogger())
	m := newTestManager(t, transferer, Config{MaxRetries: 3})

	result, err := m.Upload(context.Background(), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if result.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", result.Attempts)
	}
}

func TestFTPConnectionRefusedIsNetwork(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := listener.Addr().(*net.TCPAddr)
	listener.Close()

	transferer := NewFTP(Endpoint{Scheme: "ftp", Host: "127.0.0.1", Port: addr.Port, Path: "/"}, time.Second, testLogger())
	err = transferer.Transfer(context.Background(), &TransferRequest{
		LocalPath:  stageFile(t, []byte{1}),
		RemoteName: "a.wav",
	})
	if err == nil {
		t.Fatal("Expected connection error")
	}
	if classify(err) != ReasonNetwork || !retryable(err) {
		t.Errorf("Expected retryable network error, got %v", err)
	}
}

func TestClassifyFTPError(t *testing.T) {
	tests := []struct {
		code   int
		reason Reason
		retry  bool
	}{
		{530, ReasonAuth, false},
		{421, ReasonRemote, true},
		{451, ReasonRemote, true},
		{550, ReasonRemote, false},
		{553, ReasonRemote, false},
	}

	for _, tt := range tests {
		err := classifyFTPError(&textproto.Error{Code: tt.code, Msg: "reply"})
		if classify(err) != tt.reason {
			t.Errorf("Code %d: expected %s, got %s", tt.code, tt.reason, classify(err))
		}
		if retryable(err) != tt.retry {
			t.Errorf("Code %d: expected retryable=%v", tt.code, tt.retry)
		}
	}
}

func TestS3BucketAndKey(t *testing.T) {
	tests := []struct {
		path   string
		bucket string
		key    string
		err    bool
	}{
		{"/recordings", "recordings", "a.wav", false},
		{"/recordings/site-1/", "recordings", "site-1/a.wav", false},
		{"/", "", "", true},
	}

	for _, tt := range tests {
		s := NewS3(Endpoint{Scheme: "s3", Host: "minio", Path: tt.path}, testLogger())
		bucket, key, err := s.bucketAndKey("a.wav")
		if (err != nil) != tt.err {
			t.Errorf("Path %q: unexpected error %v", tt.path, err)
			continue
		}
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("Path %q: expected %s/%s, got %s/%s", tt.path, tt.bucket, tt.key, bucket, key)
		}
	}
}

func TestS3Defaults(t *testing.T) {
	s := NewS3(Endpoint{Scheme: "s3", Host: "minio"}, testLogger())
	if s.Endpoint().Region != defaultRegion {
		t.Errorf("Expected default region, got %s", s.Endpoint().Region)
	}
	if s.baseEndpoint() != "http://minio:80" {
		t.Errorf("Expected http://minio:80, got %s", s.baseEndpoint())
	}

	s = NewS3(Endpoint{Scheme: "s3", Host: "minio", TLS: true, Port: 9000}, testLogger())
	if s.baseEndpoint() != "https://minio:9000" {
		t.Errorf("Expected https://minio:9000, got %s", s.baseEndpoint())
	}
}

func TestClassifyS3Error(t *testing.T) {
	err := classifyS3Error(&smithy.GenericAPIError{Code: "InvalidAccessKeyId", Message: "bad key"})
	if !errors.Is(err, ErrAuth) {
		t.Errorf("Expected auth error, got %v", err)
	}

	err = classifyS3Error(&smithy.GenericAPIError{Code: "NoSuchBucket", Message: "missing"})
	if classify(err) != ReasonNetwork {
		t.Errorf("Expected unclassified API error to pass through, got %v", err)
	}
}
