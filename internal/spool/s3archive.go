package spool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bmxtiming/timingcore/pkg/log"
)

// S3Archiver uploads evicted spool segments to a cold-archival bucket
// instead of dropping them outright, the optional overflow path named in
// SPEC_FULL.md's DOMAIN STACK and §4.2.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver loads the default AWS SDK v2 config chain (environment,
// shared config, EC2/ECS credentials) and targets bucket for archived
// segments.
func NewS3Archiver(ctx context.Context, bucket string) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("spool: load aws config: %w", err)
	}
	return &S3Archiver{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Archive uploads segment as a single JSON-lines object keyed by track and
// time, so an evicted record is never silently lost, only moved to
// cheaper storage.
func (a *S3Archiver) Archive(ctx context.Context, trackID string, segment []Record) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range segment {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("spool: encode archived record: %w", err)
		}
	}

	key := fmt.Sprintf("spool-overflow/%s/%d.jsonl", trackID, time.Now().UnixNano())
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("spool: s3 put %s: %w", key, err)
	}
	log.Infof("spool: archived %d evicted record(s) for track %s to s3://%s/%s", len(segment), trackID, a.bucket, key)
	return nil
}
