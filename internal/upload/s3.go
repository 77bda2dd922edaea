package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// defaultRegion is used when none is configured; most S3-compatible
// servers ignore it but request signing needs one
const defaultRegion = "us-east-1"

// authErrorCodes are S3 error codes meaning the credentials were refused
var authErrorCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"ExpiredToken":          true,
	"InvalidToken":          true,
}

// S3 puts objects into an S3-compatible bucket. The username is the access
// key and the password the secret key.
type S3 struct {
	endpoint Endpoint
	logger   *slog.Logger
}

// NewS3 creates an S3 transferer
func NewS3(endpoint Endpoint, logger *slog.Logger) *S3 {
	if endpoint.Region == "" {
		endpoint.Region = defaultRegion
	}
	if endpoint.Port == 0 {
		endpoint.Port = 443
		if !endpoint.TLS {
			endpoint.Port = 80
		}
	}
	return &S3{
		endpoint: endpoint,
		logger:   logger,
	}
}

// Endpoint returns the remote endpoint
func (s *S3) Endpoint() Endpoint {
	return s.endpoint
}

// bucketAndKey splits the endpoint path into the bucket and the object key
func (s *S3) bucketAndKey(name string) (string, string, error) {
	trimmed := strings.Trim(s.endpoint.Path, "/")
	if trimmed == "" {
		return "", "", fmt.Errorf("%w: s3 path must name a bucket", ErrRejected)
	}

	bucket, prefix, _ := strings.Cut(trimmed, "/")
	return bucket, path.Join(prefix, name), nil
}

func (s *S3) baseEndpoint() string {
	scheme := "http"
	if s.endpoint.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, s.endpoint.Address())
}

// Transfer uploads the file with PutObject. A fresh client is built per
// transfer so the password is never held between uploads.
func (s *S3) Transfer(ctx context.Context, req *TransferRequest) error {
	bucket, key, err := s.bucketAndKey(req.RemoteName)
	if err != nil {
		return err
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(s.endpoint.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(req.Username, req.Password, ""),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to load s3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(s.baseEndpoint())
		o.UsePathStyle = true
		// Retries are driven by the upload manager
		o.RetryMaxAttempts = 1
	})

	file, err := os.Open(req.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to open staged file: %w", err)
	}
	defer file.Close()

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(req.Size),
		ContentType:   aws.String(req.ContentType),
	})
	if err != nil {
		return classifyS3Error(fmt.Errorf("put object %s/%s: %w", bucket, key, err))
	}

	s.logger.Debug("S3 put completed",
		slog.String("bucket", bucket),
		slog.String("key", key),
		slog.Int64("bytes", req.Size),
	)

	return nil
}

// classifyS3Error maps S3 API errors onto the upload error classes
func classifyS3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && authErrorCodes[apiErr.ErrorCode()] {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}

	// Satisfied by the SDK's HTTP response errors
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		switch {
		case status == 401 || status == 403:
			return fmt.Errorf("%w: %v", ErrAuth, err)
		case status == 429 || status >= 500:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		case status >= 400:
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}
	}

	return err
}
