package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/flakeoor/pkg/config"
)

// Compile-time interface checks.
var (
	_ Reader = (*s3Reader)(nil)
	_ Writer = (*s3Writer)(nil)
)

type s3Reader struct {
	client         *s3.Client
	bucket         string
	discoveryPaths []string
}

// NewS3Reader creates a Reader backed by S3-compatible storage.
func NewS3Reader(cfg *config.S3Config) Reader {
	client := newS3Client(cfg)

	paths := make([]string, 0, len(cfg.DiscoveryPaths))
	for _, p := range cfg.DiscoveryPaths {
		paths = append(paths, strings.Trim(p, "/"))
	}

	sort.Strings(paths)

	return &s3Reader{
		client:         client,
		bucket:         cfg.Bucket,
		discoveryPaths: paths,
	}
}

// DiscoveryPaths returns the configured S3 discovery paths.
func (r *s3Reader) DiscoveryPaths() []string {
	return r.discoveryPaths
}

// ListReports lists *.xml objects under {dp}/.
func (r *s3Reader) ListReports(
	ctx context.Context, discoveryPath string,
) ([]string, error) {
	prefix := discoveryPath + "/"

	paginator := s3.NewListObjectsV2Paginator(
		r.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(r.bucket),
			Prefix: aws.String(prefix),
		},
	)

	var keys []string

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf(
				"listing objects under %q: %w", prefix, err,
			)
		}

		for _, obj := range page.Contents {
			if obj.Key == nil || !isReport(*obj.Key) {
				continue
			}

			keys = append(keys, strings.TrimPrefix(*obj.Key, prefix))
		}
	}

	sort.Strings(keys)

	return keys, nil
}

// GetReport reads {dp}/{key} from S3. Returns (nil, nil) when the key
// does not exist.
func (r *s3Reader) GetReport(
	ctx context.Context, discoveryPath, key string,
) ([]byte, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("invalid report key %q", key)
	}

	fullKey := discoveryPath + "/" + key

	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting object %q: %w", fullKey, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", fullKey, err)
	}

	return data, nil
}

type s3Writer struct {
	client *s3.Client
	bucket string
}

// NewS3Writer creates a Writer that puts objects into the configured
// bucket.
func NewS3Writer(cfg *config.S3Config) Writer {
	return &s3Writer{
		client: newS3Client(cfg),
		bucket: cfg.Bucket,
	}
}

// Put uploads data under key.
func (w *s3Writer) Put(ctx context.Context, key string, data []byte) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}

	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/xml"),
	})
	if err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", w.bucket, key, err)
	}

	return nil
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	return strings.Contains(err.Error(), "NoSuchKey")
}

func newS3Client(cfg *config.S3Config) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}
