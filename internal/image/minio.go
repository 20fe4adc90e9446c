package image

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioOpts func(c *minioConfig)

type minioConfig struct {
	endpoint        string
	bucket          string
	region          string
	prefix          string
	accessKey       string
	secretAccessKey string
	useSSL          bool
}

// MinioStore keeps images in an S3-compatible bucket.
type MinioStore struct {
	cfg    *minioConfig
	client *minio.Client
}

// NewMinioStore connects to the object store and creates the bucket if it
// does not exist yet.
func NewMinioStore(ctx context.Context, opts ...MinioOpts) (*MinioStore, error) {
	cfg := &minioConfig{prefix: "images/"}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.endpoint == "" || cfg.bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required")
	}
	client, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretAccessKey, ""),
		Secure: cfg.useSSL,
		Region: cfg.region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.bucket)
	if err != nil {
		return nil, fmt.Errorf("checking image bucket %q: %w", cfg.bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.bucket, minio.MakeBucketOptions{Region: cfg.region}); err != nil {
			return nil, fmt.Errorf("creating image bucket %q: %w", cfg.bucket, err)
		}
	}
	return &MinioStore{cfg: cfg, client: client}, nil
}

func (s *MinioStore) key(name string) string { return s.cfg.prefix + name }

func (s *MinioStore) Put(ctx context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.cfg.bucket, s.key(name), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("uploading image %s: %w", name, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	object, err := s.client.GetObject(ctx, s.cfg.bucket, s.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("downloading image %s: %w", name, err)
	}
	return data, nil
}

func (s *MinioStore) List(ctx context.Context) ([]string, error) {
	var names []string
	for obj := range s.client.ListObjects(ctx, s.cfg.bucket, minio.ListObjectsOptions{Prefix: s.cfg.prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing images: %w", obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, s.cfg.prefix)
		if isImageName(name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

func (s *MinioStore) Delete(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	return s.client.RemoveObject(ctx, s.cfg.bucket, s.key(name), minio.RemoveObjectOptions{})
}

func WithEndpoint(endpoint string) MinioOpts {
	return func(c *minioConfig) {
		c.endpoint = endpoint
	}
}

func WithBucket(bucket string) MinioOpts {
	return func(c *minioConfig) {
		c.bucket = bucket
	}
}

func WithRegion(region string) MinioOpts {
	return func(c *minioConfig) {
		c.region = region
	}
}

// WithPrefix sets the key prefix images are stored under. It should end in "/".
func WithPrefix(prefix string) MinioOpts {
	return func(c *minioConfig) {
		c.prefix = prefix
	}
}

func WithAccessKey(accessKey string) MinioOpts {
	return func(c *minioConfig) {
		c.accessKey = accessKey
	}
}

func WithSecretKey(secretKey string) MinioOpts {
	return func(c *minioConfig) {
		c.secretAccessKey = secretKey
	}
}

func WithSSL(useSSL bool) MinioOpts {
	return func(c *minioConfig) {
		c.useSSL = useSSL
	}
}
