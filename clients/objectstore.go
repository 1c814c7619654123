package clients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/cenkalti/backoff/v4"
	xerrors "github.com/vidfleet/vidfleet/errors"
	"github.com/vidfleet/vidfleet/log"
	"github.com/vidfleet/vidfleet/metrics"
)

// PresignDuration bounds how long a presigned GET url stays valid.
const PresignDuration = 24 * time.Hour

const (
	defaultMultipartThreshold = 64 * 1024 * 1024
	defaultPartSize           = 16 * 1024 * 1024
	defaultUploadConcurrency  = 4
)

// ObjectInfo describes one entry returned by List.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// UploadResult carries the outcome of a successful Upload call.
type UploadResult struct {
	ETag string
	Size int64
}

// ObjectStoreConfig names the endpoint and credentials for an
// S3-compatible bucket (AWS S3 or a MinIO-style endpoint).
type ObjectStoreConfig struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// ObjectStoreClient is the fleet's only interface to durable storage:
// input source material, intermediate frame batches and final outputs
// all move through it.
type ObjectStoreClient struct {
	client   *s3.Client
	uploader *manager.Uploader
	host     string
}

func NewObjectStoreClient(cfg ObjectStoreConfig) (*ObjectStoreClient, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		if cfg.Endpoint != "" {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
				SigningRegion:     cfg.Region,
			}, nil
		}
		return aws.Endpoint{}, &aws.EndpointNotFoundError{}
	})

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, xerrors.PermanentConfig("failed to load object store config: %s", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = defaultPartSize
		u.Concurrency = defaultUploadConcurrency
	})

	host := cfg.Endpoint
	if host == "" {
		host = cfg.Region + ".amazonaws.com"
	}

	return &ObjectStoreClient{client: client, uploader: uploader, host: host}, nil
}

// Host returns the resolved endpoint host this client talks to, for
// callers that need to record where an artifact was (or will be)
// stored, e.g. a pending-upload journal record.
func (c *ObjectStoreClient) Host() string {
	return c.host
}

func (c *ObjectStoreClient) instrument(ctx context.Context, operation string, fn func() error) error {
	start := time.Now()
	err := backoff.Retry(func() error {
		innerErr := fn()
		if innerErr == nil {
			return nil
		}
		if isNotFound(innerErr) {
			return xerrors.AsPermanent(xerrors.NewObjectNotFoundError(operation, innerErr))
		}
		return xerrors.TransientNetwork(innerErr)
	}, uploadRetryBackoff())

	duration := time.Since(start)
	if err != nil {
		metrics.Metrics.ObjectStoreClient.FailureCount.WithLabelValues(c.host, operation, statusCodeOf(err)).Inc()
		return err
	}
	metrics.Metrics.ObjectStoreClient.RequestDuration.WithLabelValues(c.host, operation).Observe(duration.Seconds())
	return nil
}

// List returns every object under prefix in bucket, sorted by key as
// the underlying ListObjectsV2 pages return them.
func (c *ObjectStoreClient) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := c.instrument(ctx, "list", func() error {
		out = nil
		paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
			Prefix: aws.String(prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, obj := range page.Contents {
				info := ObjectInfo{Key: aws.ToString(obj.Key), Size: obj.Size}
				if obj.LastModified != nil {
					info.LastModified = *obj.LastModified
				}
				out = append(out, info)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects under %q: %w", log.RedactURL(prefix), err)
	}
	return out, nil
}

// Upload streams data to bucket/key through the upload manager, which
// switches to multipart once the body exceeds defaultPartSize
// (defaultMultipartThreshold is not consulted); concurrency is fixed at
// defaultUploadConcurrency, satisfying the "concurrency >= 2" contract.
func (c *ObjectStoreClient) Upload(ctx context.Context, bucket, key string, data io.Reader) (UploadResult, error) {
	var result UploadResult
	err := c.instrument(ctx, "upload", func() error {
		out, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   data,
		})
		if err != nil {
			return err
		}
		result.ETag = aws.ToString(out.ETag)
		head, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
		if err == nil {
			result.Size = head.ContentLength
		}
		return nil
	})
	if err != nil {
		return UploadResult{}, xerrors.UploadFailed(fmt.Errorf("failed to upload to %q: %w", log.RedactURL(bucket+"/"+key), err))
	}
	return result, nil
}

// Download writes bucket/key to path, truncating any existing file.
func (c *ObjectStoreClient) Download(ctx context.Context, bucket, key, path string) error {
	err := c.instrument(ctx, "download", func() error {
		out, err := c.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
		if err != nil {
			return err
		}
		defer out.Body.Close()

		f, err := os.Create(path)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create %q: %w", path, err))
		}
		defer f.Close()

		_, err = io.Copy(f, out.Body)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to download %q: %w", log.RedactURL(bucket+"/"+key), err)
	}
	return nil
}

// Exists reports whether bucket/key is present, without treating a
// 404/NoSuchKey response as an error.
func (c *ObjectStoreClient) Exists(ctx context.Context, bucket, key string) (bool, error) {
	var found bool
	err := c.instrument(ctx, "exists", func() error {
		_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
		if err != nil {
			if isNotFound(err) {
				found = false
				return nil
			}
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to check existence of %q: %w", log.RedactURL(bucket+"/"+key), err)
	}
	return found, nil
}

// PresignGet returns a time-limited URL for bucket/key, valid for ttl.
func (c *ObjectStoreClient) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(c.client)
	req, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign %q: %w", log.RedactURL(bucket+"/"+key), err)
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &noSuchKey)
}

func statusCodeOf(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return "unknown"
}

func uploadRetryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, 5)
}
