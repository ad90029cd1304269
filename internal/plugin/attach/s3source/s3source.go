// Package s3source opens s3://bucket/key attachment URLs with aws-sdk-go-v2.
package s3source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"inbox-service/internal/config"
	registryattach "inbox-service/internal/registry/attach"
)

func init() {
	registryattach.Register(registryattach.Plugin{
		Name:    "s3",
		Schemes: []string{"s3"},
		Loader:  load,
	})
}

// The client is built lazily so deployments without AWS credentials can still
// relay http attachments.
func load(ctx context.Context) (registryattach.Source, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		d := config.DefaultConfig()
		cfg = &d
	}
	return &Source{region: cfg.S3Region, endpoint: cfg.S3Endpoint, usePathStyle: cfg.S3UsePathStyle}, nil
}

// Source reads objects with GetObject.
type Source struct {
	region       string
	endpoint     string
	usePathStyle bool

	mu     sync.Mutex
	client *s3.Client
}

// NewFromClient wraps an existing S3 client.
func NewFromClient(client *s3.Client) *Source {
	return &Source{client: client}
}

func (s *Source) s3Client(ctx context.Context) (*s3.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if s.region != "" {
		opts = append(opts, awsconfig.WithRegion(s.region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3source: load AWS config: %w", err)
	}
	endpoint := strings.TrimSpace(s.endpoint)
	usePathStyle := s.usePathStyle
	s.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return s.client, nil
}

// ParseURL splits s3://bucket/key.
func ParseURL(u *url.URL) (bucket, key string, err error) {
	if !strings.EqualFold(u.Scheme, "s3") {
		return "", "", fmt.Errorf("not an s3 URL")
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 URL must be s3://bucket/key")
	}
	return bucket, key, nil
}

func (s *Source) Open(ctx context.Context, u *url.URL) (*registryattach.Object, error) {
	bucket, key, err := ParseURL(u)
	if err != nil {
		return nil, err
	}
	client, err := s.s3Client(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, func(o *s3.Options) {
		// One fetch per relay; retries would exceed the caller's deadline.
		o.RetryMaxAttempts = 1
	})
	if err != nil {
		return nil, mapError(err)
	}
	length := int64(-1)
	if resp.ContentLength != nil {
		length = *resp.ContentLength
	}
	return &registryattach.Object{
		Body:          resp.Body,
		ContentType:   aws.ToString(resp.ContentType),
		ContentLength: length,
	}, nil
}

func mapError(err error) error {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return &registryattach.StatusError{StatusCode: http.StatusNotFound}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "NotFound":
			return &registryattach.StatusError{StatusCode: http.StatusNotFound}
		case "AccessDenied":
			return &registryattach.StatusError{StatusCode: http.StatusForbidden}
		}
	}
	return err
}

var _ registryattach.Source = (*Source)(nil)
