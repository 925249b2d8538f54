package registry

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gearsrt/runtime/internal/domain"
)

// S3Archiver archives a copy of each loaded library's source text to an
// S3-compatible bucket, independent of the primary Postgres persistence.
// Disabled by default; constructed only when object storage is configured.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Archiver(client *s3.Client, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

func (a *S3Archiver) Archive(ctx context.Context, lib domain.Library) error {
	key := fmt.Sprintf("%s%s/%s.js", a.prefix, lib.Name, lib.SourceHash)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader([]byte(lib.Source)),
	})
	if err != nil {
		return fmt.Errorf("archive library source to s3: %w", err)
	}
	return nil
}
