// Package s3 provides an S3-compatible storage backend with metrics.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/notevault/notevault/internal/logging"
	"github.com/notevault/notevault/internal/metrics"
	"github.com/notevault/notevault/internal/storage"
	"github.com/notevault/notevault/pkg/models"
)

// DeleteObjects accepts at most this many keys per request.
const deleteBatchSize = 1000

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// S3Backend implements storage.Backend using S3/MinIO.
type S3Backend struct {
	client *s3.Client
	bucket string
}

// NewBackend creates a new S3 backend and makes sure the bucket exists.
func NewBackend(ctx context.Context, cfg Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := cfg.Endpoint
	if endpoint != "" && !strings.Contains(endpoint, "://") {
		if cfg.UseSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = true
	})

	backend := &S3Backend{
		client: client,
		bucket: cfg.Bucket,
	}

	if err := backend.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.Error(err))
	}

	return backend, nil
}

func (b *S3Backend) record(op string, start time.Time, err error) {
	metrics.RecordObjectStoreOperation("s3", op, time.Since(start), err == nil)
}

func (b *S3Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(b.bucket),
		})
		b.record("create_bucket", start, createErr)
		if createErr != nil {
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
		}
		logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	}
	return nil
}

// isNotFound recognizes the typed and untyped 404s S3 and MinIO return.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

func wrapErr(op, key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s %s: %w", op, key, storage.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}

// List performs one ListObjectsV2 call.
func (b *S3Backend) List(ctx context.Context, prefix, delimiter, token string, maxKeys int) (*storage.ListPage, error) {
	start := time.Now()

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	}
	if delimiter != "" {
		input.Delimiter = aws.String(delimiter)
	}
	if token != "" {
		input.ContinuationToken = aws.String(token)
	}
	if maxKeys > 0 {
		input.MaxKeys = aws.Int32(int32(maxKeys))
	}

	out, err := b.client.ListObjectsV2(ctx, input)
	b.record("list_objects", start, err)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	page := &storage.ListPage{}
	for _, obj := range out.Contents {
		page.Objects = append(page.Objects, storage.ObjectInfo{
			Key:          aws.ToString(obj.Key),
			ETag:         models.StripETag(aws.ToString(obj.ETag)),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	for _, cp := range out.CommonPrefixes {
		page.CommonPrefixes = append(page.CommonPrefixes, aws.ToString(cp.Prefix))
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextToken = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

// Get retrieves an object.
func (b *S3Backend) Get(ctx context.Context, key string) (io.ReadCloser, *storage.ObjectInfo, error) {
	start := time.Now()

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	b.record("get_object", start, err)
	if err != nil {
		return nil, nil, wrapErr("get object", key, err)
	}

	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         models.StripETag(aws.ToString(out.ETag)),
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
	}
	metrics.RecordContentDownload(info.Size)
	return out.Body, info, nil
}

// Put uploads content and returns the stored object's info.
func (b *S3Backend) Put(ctx context.Context, key string, body io.Reader, size int64) (*storage.ObjectInfo, error) {
	start := time.Now()

	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	out, err := b.client.PutObject(ctx, input)
	b.record("put_object", start, err)
	if err != nil {
		metrics.RecordContentUpload(0, false)
		return nil, fmt.Errorf("put object %s: %w", key, err)
	}
	metrics.RecordContentUpload(size, true)
	logging.Debug("S3 put object", zap.String("key", key), zap.Int64("size", size))

	// PutObject does not report LastModified; fall back to the put response when HEAD fails.
	info, err := b.Head(ctx, key)
	if err != nil {
		return &storage.ObjectInfo{
			Key:          key,
			ETag:         models.StripETag(aws.ToString(out.ETag)),
			Size:         size,
			LastModified: time.Now().UTC(),
		}, nil
	}
	return info, nil
}

// Delete removes an object.
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	start := time.Now()

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	b.record("delete_object", start, err)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	logging.Debug("S3 delete object", zap.String("key", key))
	return nil
}

// DeleteMany removes keys in batches of deleteBatchSize.
func (b *S3Backend) DeleteMany(ctx context.Context, keys []string) error {
	var errs []error
	for len(keys) > 0 {
		n := min(len(keys), deleteBatchSize)
		batch := keys[:n]
		keys = keys[n:]

		ids := make([]types.ObjectIdentifier, len(batch))
		for i, k := range batch {
			ids[i] = types.ObjectIdentifier{Key: aws.String(k)}
		}

		start := time.Now()
		out, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		b.record("delete_objects", start, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %d objects: %w", len(batch), err))
			continue
		}
		for _, e := range out.Errors {
			errs = append(errs, fmt.Errorf("delete object %s: %s: %s",
				aws.ToString(e.Key), aws.ToString(e.Code), aws.ToString(e.Message)))
		}
	}
	return errors.Join(errs...)
}

// Copy copies srcKey to dstKey within the bucket.
func (b *S3Backend) Copy(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()

	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(b.bucket, srcKey)),
	})
	b.record("copy_object", start, err)
	if err != nil {
		return wrapErr("copy", srcKey+" -> "+dstKey, err)
	}
	logging.Debug("S3 copy object", zap.String("src", srcKey), zap.String("dst", dstKey))
	return nil
}

func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

// Head returns object metadata.
func (b *S3Backend) Head(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	start := time.Now()

	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	b.record("head_object", start, err)
	if err != nil {
		return nil, wrapErr("head object", key, err)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         models.StripETag(aws.ToString(out.ETag)),
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// Type returns "s3".
func (b *S3Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *S3Backend) Close() error { return nil }
