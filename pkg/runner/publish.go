package runner

import (
	"context"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/xerrors"
)

// S3Publisher publishes built artifacts to the object store named in spec
// §6's "Object store" external interface (`put(key, bytes)`), keyed by
// channel and artifact filename.
type S3Publisher struct {
	Client *s3.Client
	Bucket string
}

// NewS3Publisher constructs a Publisher backed by an S3-compatible bucket.
func NewS3Publisher(client *s3.Client, bucket string) *S3Publisher {
	return &S3Publisher{Client: client, Bucket: bucket}
}

func (p *S3Publisher) Publish(ctx context.Context, channel, artifactPath string) error {
	f, err := os.Open(artifactPath)
	if err != nil {
		return xerrors.Errorf("publish: open %s: %w", artifactPath, err)
	}
	defer f.Close()

	key := channel + "/" + filepath.Base(artifactPath)
	_, err = p.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return xerrors.Errorf("publish: upload %s to channel %s: %w", artifactPath, channel, err)
	}
	return nil
}
