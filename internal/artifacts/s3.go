package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"mediaflow/internal/services"
	"mediaflow/internal/stage"
)

// S3Options configures the S3/MinIO backend.
type S3Options struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3 stores blobs as objects in a bucket.
type S3 struct {
	client *minio.Client
	bucket string
}

// NewS3 connects to the endpoint and creates the bucket when missing.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" || strings.TrimSpace(opts.Bucket) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "artifacts", "s3", "endpoint and bucket are required", nil)
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, services.Wrap(services.ErrUnavailable, "artifacts", "bucket exists", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, services.Wrap(services.ErrUnavailable, "artifacts", "make bucket", opts.Bucket, err)
		}
	}
	return &S3{client: client, bucket: opts.Bucket}, nil
}

// Put uploads the blob.
func (s *S3) Put(ctx context.Context, key stage.Key, data []byte) (string, error) {
	ref := Ref(key)
	_, err := s.client.PutObject(ctx, s.bucket, ref, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", services.Wrap(services.ErrUnavailable, "artifacts", "put", ref, err)
	}
	return ref, nil
}

// Get downloads the blob behind ref.
func (s *S3) Get(ctx context.Context, ref string) ([]byte, error) {
	if _, err := ParseRef(ref); err != nil {
		return nil, err
	}
	object, err := s.client.GetObject(ctx, s.bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.classify("get", ref, err)
	}
	defer object.Close()
	data, err := io.ReadAll(object)
	if err != nil {
		return nil, s.classify("get", ref, err)
	}
	return data, nil
}

// Exists stats the object for key.
func (s *S3) Exists(ctx context.Context, key stage.Key) (string, bool, error) {
	ref := Ref(key)
	_, err := s.client.StatObject(ctx, s.bucket, ref, minio.StatObjectOptions{})
	if err != nil {
		if errors.Is(s.classify("stat", ref, err), ErrNotFound) {
			return ref, false, nil
		}
		return "", false, s.classify("stat", ref, err)
	}
	return ref, true, nil
}

func (s *S3) classify(op, ref string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	return services.Wrap(services.ErrUnavailable, "artifacts", op, ref, err)
}
