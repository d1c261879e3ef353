package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// multipartThreshold is the payload size above which uploads switch to the
// multipart manager. Matches the S3 minimum part size of 5 MiB.
const multipartThreshold int64 = 5 * 1024 * 1024

// Store uploads evidence payloads and returns the URL they are reachable
// under. It satisfies the file store contract of the dispute workflow.
type Store struct {
	client  *s3.Client
	bucket  string
	baseURL string
}

// NewStore creates a Store backed by the given client's bucket.
func NewStore(c *Client) *Store {
	return &Store{
		client:  c.s3,
		bucket:  c.bucket,
		baseURL: c.baseURL,
	}
}

// Put uploads data under key with the given content type and returns the
// object URL. Payloads at or above 5 MiB go through the multipart uploader.
func (s *Store) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}

	if int64(len(data)) >= multipartThreshold {
		uploader := manager.NewUploader(s.client)
		if _, err := uploader.Upload(ctx, input); err != nil {
			return "", fmt.Errorf("s3blob: multipart upload %s: %w", key, err)
		}
	} else {
		if _, err := s.client.PutObject(ctx, input); err != nil {
			return "", fmt.Errorf("s3blob: put object %s: %w", key, err)
		}
	}

	return s.objectURL(key), nil
}

// objectURL builds the public URL for an uploaded key. Each path segment is
// escaped individually so slashes in the key survive.
func (s *Store) objectURL(key string) string {
	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return s.baseURL + "/" + strings.Join(segs, "/")
}
