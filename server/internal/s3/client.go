package s3

import (
	"context"
	"io"
	"strings"

	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	laws "github.com/llmariner/common/pkg/aws"
)

const (
	// Checkpoints are a few hundred MiB each.
	downloadPartSize    int64 = 64 * 1024 * 1024
	downloadConcurrency       = 4
)

// NewClient returns a client for the model bucket.
func NewClient(ctx context.Context, c config.S3Config) (*Client, error) {
	var ar *laws.AssumeRole
	if c.AssumeRole != nil {
		ar = &laws.AssumeRole{
			RoleARN:    c.AssumeRole.RoleARN,
			ExternalID: c.AssumeRole.ExternalID,
		}
	}
	svc, err := laws.NewS3Client(ctx, laws.NewS3ClientOptions{
		EndpointURL: c.EndpointURL,
		Region:      c.Region,
		AssumeRole:  ar,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		svc: svc,
		downloader: manager.NewDownloader(svc, func(d *manager.Downloader) {
			d.PartSize = downloadPartSize
			d.Concurrency = downloadConcurrency
		}),
		bucket: c.Bucket,
	}, nil
}

// Client reads model files from a bucket.
type Client struct {
	svc        *s3.Client
	downloader *manager.Downloader
	bucket     string
}

// Download writes the object of the key to w. Parts are fetched concurrently.
func (c *Client) Download(ctx context.Context, w io.WriterAt, key string) error {
	_, err := c.downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	return err
}

// ListKeys returns the object keys under the prefix. Folder placeholder
// objects are omitted.
func (c *Client) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(c.svc, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			if k := aws.ToString(obj.Key); !strings.HasSuffix(k, "/") {
				keys = append(keys, k)
			}
		}
	}
	return keys, nil
}
