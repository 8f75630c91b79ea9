package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/clearmesh/settler/internal/domain"
)

// Archiver writes terminal submission results to object storage as
// newline-delimited JSON, one object per archive run, partitioned by day:
//
//	results/2026/09/01/settler-20260901T120000Z.jsonl
type Archiver struct {
	client *Client
}

// NewArchiver creates an Archiver on the given client.
func NewArchiver(c *Client) *Archiver {
	return &Archiver{client: c}
}

// Archive uploads the results as one JSONL object and returns the object
// key. An empty slice uploads nothing and returns "".
func (a *Archiver) Archive(ctx context.Context, results []domain.SubmissionResult) (string, error) {
	if len(results) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, res := range results {
		if err := enc.Encode(res); err != nil {
			return "", fmt.Errorf("s3blob: encode result %s: %w", res.BatchID, err)
		}
	}

	now := time.Now().UTC()
	key := fmt.Sprintf("results/%04d/%02d/%02d/settler-%s.jsonl",
		now.Year(), now.Month(), now.Day(), now.Format("20060102T150405Z"))

	_, err := a.client.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.client.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("s3blob: put %s: %w", key, err)
	}

	return key, nil
}

// Compile-time interface check.
var _ domain.ResultArchiver = (*Archiver)(nil)
