package upload

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path"
	"strconv"
	"strings"
	"time"
)

// Endpoint identifies the remote side of a transfer
type Endpoint struct {
	Scheme   string // ftp, s3, http or https
	Host     string
	Port     int
	Path     string // remote directory; for s3 the first segment is the bucket
	Username string
	Region   string // s3 only
	TLS      bool   // s3 only: talk https to the endpoint
}

// Address returns host:port
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// RemotePath returns the slash-separated remote path of a file
func (e Endpoint) RemotePath(name string) string {
	return path.Join("/", e.Path, name)
}

// URL returns scheme://host:port/path/name
func (e Endpoint) URL(name string) string {
	return fmt.Sprintf("%s://%s%s", e.Scheme, e.Address(), e.RemotePath(name))
}

// TransferRequest describes one file transfer attempt
type TransferRequest struct {
	LocalPath   string
	RemoteName  string
	Size        int64
	ContentType string
	Username    string
	Password    string
}

// Transferer delivers a staged file to a remote endpoint. Implementations
// must abort promptly when ctx is cancelled and wrap classified failures in
// ErrAuth, ErrRejected or ErrUnavailable.
type Transferer interface {
	Transfer(ctx context.Context, req *TransferRequest) error
	Endpoint() Endpoint
}

// NewTransferer creates the transferer for the endpoint's scheme
func NewTransferer(endpoint Endpoint, timeout time.Duration, logger *slog.Logger) (Transferer, error) {
	switch strings.ToLower(endpoint.Scheme) {
	case "ftp":
		return NewFTP(endpoint, timeout, logger), nil
	case "s3":
		return NewS3(endpoint, logger), nil
	case "http", "https":
		return NewHTTP(endpoint, timeout, logger), nil
	default:
		return nil, fmt.Errorf("unsupported upload scheme '%s'", endpoint.Scheme)
	}
}
