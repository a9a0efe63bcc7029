// Package rawstore archives raw upstream payloads to an object store,
// keyed by (tenant, entity, upstream id, timestamp). The archive is
// best-effort: a failed write is logged and the sync proceeds.
package rawstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client defines the subset of the S3 API the archive needs.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Compile-time check that the SDK client satisfies the interface
var _ S3Client = (*s3.Client)(nil)

// Archive writes raw payloads to an S3 bucket.
type Archive struct {
	client S3Client
	bucket string
}

// NewArchive creates an Archive backed by the given S3 client and bucket.
func NewArchive(client S3Client, bucket string) *Archive {
	return &Archive{client: client, bucket: bucket}
}

// Enabled reports whether the archive has a configured destination.
func (a *Archive) Enabled() bool {
	return a != nil && a.client != nil && a.bucket != ""
}

// Put stores one raw payload. The object key embeds the fetch timestamp
// so successive snapshots of the same record never overwrite each other.
func (a *Archive) Put(ctx context.Context, tenantID, entity, upstreamID string, payload []byte, fetchedAt time.Time) error {
	key := fmt.Sprintf("raw/%s/%s/%s/%s.json",
		tenantID, entity, upstreamID, fetchedAt.UTC().Format("20060102T150405.000000000Z"))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to archive raw payload %s: %w", key, err)
	}
	return nil
}
