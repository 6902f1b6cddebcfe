// Package archive mirrors request artifacts to S3.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client used by S3Mirror.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client loads the default AWS credential chain for region.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// S3Mirror writes artifacts to s3://<bucket>/<prefix>/<key>.
type S3Mirror struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Mirror creates a mirror for bucket under prefix.
func NewS3Mirror(client S3API, bucket, prefix string) *S3Mirror {
	return &S3Mirror{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key for an artifact key.
func (m *S3Mirror) Key(key string) string {
	return path.Join(m.prefix, key)
}

// Put uploads one artifact.
func (m *S3Mirror) Put(ctx context.Context, key string, data []byte) error {
	objectKey := m.Key(key)
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(m.bucket),
		Key:                  aws.String(objectKey),
		Body:                 bytes.NewReader(data),
		ContentLength:        aws.Int64(int64(len(data))),
		ContentType:          aws.String(contentType(key)),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("put s3://%s/%s (%s): %w", m.bucket, objectKey, apiErr.ErrorCode(), err)
		}
		return fmt.Errorf("put s3://%s/%s: %w", m.bucket, objectKey, err)
	}
	return nil
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".yaml", ".yml":
		return "application/yaml"
	case ".md":
		return "text/markdown; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
