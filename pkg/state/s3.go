package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// ObjectStore persists records as S3 objects, using the provider's
// conditional-write feature for the CAS contract: If-None-Match on create,
// If-Match with the last-read ETag on update and delete.
type ObjectStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// ObjectStoreConfig configures the object-storage backend.
type ObjectStoreConfig struct {
	Bucket string
	Prefix string
	Region string
}

// NewObjectStore creates an S3-backed store using the default credential
// chain.
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store bucket is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewObjectStoreWithClient(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
}

// NewObjectStoreWithClient creates an S3-backed store with a caller-supplied
// client.
func NewObjectStoreWithClient(client *s3.Client, bucket, prefix string) *ObjectStore {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &ObjectStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *ObjectStore) objectKey(key string) string {
	return s.prefix + key + ".json"
}

func (s *ObjectStore) keyFromObject(objectKey string) (string, bool) {
	rest := strings.TrimPrefix(objectKey, s.prefix)
	if rest == objectKey && s.prefix != "" {
		return "", false
	}
	if !strings.HasSuffix(rest, ".json") {
		return "", false
	}
	return strings.TrimSuffix(rest, ".json"), true
}

// Get retrieves a record; the object's ETag becomes the CAS token.
func (s *ObjectStore) Get(ctx context.Context, key string) (*Record, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, s.mapError(key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read state object %s: %w", key, err)
	}

	rec := &Record{Key: key, Data: data, Version: etag(out.ETag)}
	if out.LastModified != nil {
		rec.UpdatedAt = *out.LastModified
	}
	return rec, nil
}

// Put writes a record using S3 conditional writes.
func (s *ObjectStore) Put(ctx context.Context, key string, data json.RawMessage, expected string) (*Record, error) {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	switch expected {
	case VersionAny:
		// unconditional
	case VersionAbsent:
		input.IfNoneMatch = aws.String("*")
	default:
		input.IfMatch = aws.String(expected)
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return nil, s.mapError(key, err)
	}
	return &Record{
		Key:       key,
		Data:      data,
		Version:   etag(out.ETag),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// List pages through the bucket under prefix and fetches each record.
func (s *ObjectStore) List(ctx context.Context, prefix string) ([]Record, error) {
	out := make([]Record, 0)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list state under %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key, ok := s.keyFromObject(aws.ToString(obj.Key))
			if !ok {
				continue
			}
			rec, err := s.Get(ctx, key)
			if err != nil {
				// Deleted between listing and fetch.
				if IsNotFound(err) {
					continue
				}
				return nil, err
			}
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete removes an object, conditional on the last-read ETag.
func (s *ObjectStore) Delete(ctx context.Context, key string, expected string) error {
	// S3 DeleteObject does not 404 on missing keys; surface NotFound the way
	// the other backends do.
	if _, err := s.Get(ctx, key); err != nil {
		return err
	}

	input := &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	}
	if expected != VersionAny && expected != VersionAbsent {
		input.IfMatch = aws.String(expected)
	}
	if _, err := s.client.DeleteObject(ctx, input); err != nil {
		return s.mapError(key, err)
	}
	return nil
}

// Close is a no-op; the SDK client has no persistent resources to release.
func (s *ObjectStore) Close() error { return nil }

// mapError translates SDK failures into the store's error taxonomy.
func (s *ObjectStore) mapError(key string, err error) error {
	var noKey *s3types.NoSuchKey
	if errors.As(err, &noKey) {
		return &NotFoundError{Key: key}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return &NotFoundError{Key: key}
		case http.StatusPreconditionFailed, http.StatusConflict:
			return &ConflictError{Key: key}
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return &NotFoundError{Key: key}
		case "PreconditionFailed", "ConditionalRequestConflict":
			return &ConflictError{Key: key}
		}
	}

	return fmt.Errorf("object store error on %s: %w", key, err)
}

func etag(v *string) string {
	if v == nil {
		return ""
	}
	return strings.Trim(*v, `"`)
}
