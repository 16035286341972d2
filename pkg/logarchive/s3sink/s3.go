// Package s3sink implements logarchive.Sink against S3 (or an API-compatible
// clone), grounded on the Habitat builder-jobsrv archiver this core's log
// ingestion component is modeled on: one bucket, the job id plus ".log" as
// the key.
package s3sink

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/xerrors"
)

// API is the subset of the S3 client this sink needs; satisfied by
// *s3.Client, and narrow enough to fake in tests.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Sink archives job logs to a single S3 bucket.
type Sink struct {
	client API
	bucket string
	prefix string
}

// New constructs a Sink against bucket, storing objects under prefix.
func New(client API, bucket, prefix string) *Sink {
	return &Sink{client: client, bucket: bucket, prefix: prefix}
}

func (s *Sink) key(jobID string) string {
	if s.prefix == "" {
		return jobID + ".log"
	}
	return s.prefix + "/" + jobID + ".log"
}

func (s *Sink) Archive(ctx context.Context, jobID string, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return xerrors.Errorf("s3sink: open %s: %w", localPath, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		return xerrors.Errorf("s3sink: read %s: %w", localPath, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(jobID)),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return xerrors.Errorf("s3sink: upload for job %s: %w", jobID, err)
	}
	return nil
}

func (s *Sink) Retrieve(ctx context.Context, jobID string) ([]string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(jobID)),
	})
	if err != nil {
		return nil, xerrors.Errorf("s3sink: retrieve for job %s: %w", jobID, err)
	}
	defer out.Body.Close()

	var lines []string
	sc := bufio.NewScanner(out.Body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Errorf("s3sink: scan job %s: %w", jobID, err)
	}
	return lines, nil
}
