// Package objects uploads files to durable object storage and builds their
// public URLs.
package objects

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store is durable object storage. Upload overwrites an existing object at
// the same path, so retries are safe.
type Store interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	PublicURL(path string) string
	// Host is the marker every public URL of this store contains.
	Host() string
}

// S3Options configures an S3 or S3-compatible bucket.
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string // empty for AWS
	AccessKeyID     string // empty for the default credential chain
	SecretAccessKey string
	PathStyle       bool
	// PublicBaseURL overrides the URL prefix objects are served from.
	PublicBaseURL string
	CacheControl  string
}

type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store is a Store backed by S3.
type S3Store struct {
	client  putter
	bucket  string
	base    string
	host    string
	caching string
}

// NewS3Store loads AWS configuration and builds the client.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("objects: bucket is required")
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("objects: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	return newS3Store(client, opts)
}

func newS3Store(client putter, opts S3Options) (*S3Store, error) {
	base, err := publicBase(opts)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("objects: invalid public base %q", base)
	}
	return &S3Store{
		client:  client,
		bucket:  opts.Bucket,
		base:    base,
		host:    u.Host,
		caching: opts.CacheControl,
	}, nil
}

func publicBase(opts S3Options) (string, error) {
	switch {
	case opts.PublicBaseURL != "":
		return strings.TrimRight(opts.PublicBaseURL, "/"), nil
	case opts.Endpoint != "" && opts.PathStyle:
		return strings.TrimRight(opts.Endpoint, "/") + "/" + opts.Bucket, nil
	case opts.Endpoint != "":
		u, err := url.Parse(opts.Endpoint)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("objects: invalid endpoint %q", opts.Endpoint)
		}
		return fmt.Sprintf("%s://%s.%s", u.Scheme, opts.Bucket, u.Host), nil
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", opts.Bucket, opts.Region), nil
	}
}

// Upload writes data at path, replacing any existing object.
func (s *S3Store) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(strings.TrimLeft(path, "/")),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	}
	if s.caching != "" {
		in.CacheControl = aws.String(s.caching)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("objects: put %s: %w", path, err)
	}
	return nil
}

// PublicURL returns the URL the object at path is served from.
func (s *S3Store) PublicURL(path string) string {
	return s.base + "/" + strings.TrimLeft(path, "/")
}

func (s *S3Store) Host() string { return s.host }
