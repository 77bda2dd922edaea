package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
)

// anonymousUser is sent when no username is configured
const anonymousUser = "anonymous"

// FTP stores files with STOR on an FTP server
type FTP struct {
	endpoint Endpoint
	timeout  time.Duration
	logger   *slog.Logger
}

// NewFTP creates an FTP transferer
func NewFTP(endpoint Endpoint, timeout time.Duration, logger *slog.Logger) *FTP {
	if endpoint.Port == 0 {
		endpoint.Port = 21
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FTP{
		endpoint: endpoint,
		timeout:  timeout,
		logger:   logger,
	}
}

// Endpoint returns the remote endpoint
func (f *FTP) Endpoint() Endpoint {
	return f.endpoint
}

// Transfer logs in and stores the file under the endpoint path. Cancelling
// ctx closes the control and data connections.
func (f *FTP) Transfer(ctx context.Context, req *TransferRequest) error {
	file, err := os.Open(req.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to open staged file: %w", err)
	}
	defer file.Close()

	conns := &connTracker{}
	dialer := &net.Dialer{Timeout: f.timeout}

	conn, err := ftp.Dial(f.endpoint.Address(),
		ftp.DialWithTimeout(f.timeout),
		ftp.DialWithDialFunc(func(network, address string) (net.Conn, error) {
			c, err := dialer.DialContext(ctx, network, address)
			if err != nil {
				return nil, err
			}
			conns.add(c)
			return c, nil
		}),
	)
	if err != nil {
		return classifyFTPError(fmt.Errorf("connect: %w", err))
	}

	stop := context.AfterFunc(ctx, conns.closeAll)
	defer stop()
	defer conn.Quit()

	username := req.Username
	if username == "" {
		username = anonymousUser
	}
	if err := conn.Login(username, req.Password); err != nil {
		return classifyFTPError(fmt.Errorf("login: %w", err))
	}

	remotePath := f.endpoint.RemotePath(req.RemoteName)
	if err := conn.Stor(remotePath, file); err != nil {
		return classifyFTPError(fmt.Errorf("store %s: %w", remotePath, err))
	}

	f.logger.Debug("FTP store completed",
		slog.String("remote_path", remotePath),
		slog.Int64("bytes", req.Size),
	)

	return nil
}

// classifyFTPError maps FTP reply codes onto the upload error classes
func classifyFTPError(err error) error {
	var protoErr *textproto.Error
	if !errors.As(err, &protoErr) {
		return err
	}

	switch {
	case protoErr.Code == ftp.StatusNotLoggedIn:
		return fmt.Errorf("%w: %v", ErrAuth, err)
	case protoErr.Code >= 400 && protoErr.Code < 500:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case protoErr.Code >= 500:
		return fmt.Errorf("%w: %v", ErrRejected, err)
	default:
		return err
	}
}

// connTracker remembers every connection dialed for one transfer
type connTracker struct {
	mu    sync.Mutex
	conns []net.Conn
}

func (t *connTracker) add(c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns = append(t.conns, c)
}

func (t *connTracker) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.conns {
		c.Close()
	}
}
