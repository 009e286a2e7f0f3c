package modeldownloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

const completionFile = "completed.txt"

type s3Client interface {
	Download(ctx context.Context, w io.WriterAt, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// Item is a set of files stored under "<pathPrefix>/<Name>/".
type Item struct {
	Name string
	// FallbackFiles are downloaded when the bucket cannot be listed.
	FallbackFiles []string
}

// New returns a new downloader.
func New(modelDir, pathPrefix string, s3Client s3Client, logger logr.Logger) *D {
	return &D{
		modelDir:   modelDir,
		pathPrefix: strings.Trim(pathPrefix, "/"),
		s3Client:   s3Client,
		logger:     logger.WithName("modeldownloader"),
	}
}

// D downloads model files from S3 into the model directory.
type D struct {
	modelDir   string
	pathPrefix string
	s3Client   s3Client
	logger     logr.Logger
}

// Dir returns the local directory of the item.
func Dir(modelDir, name string) string {
	return filepath.Join(modelDir, name)
}

// DownloadAll downloads the items concurrently.
func (d *D) DownloadAll(ctx context.Context, items []Item) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, item := range items {
		g.Go(func() error {
			if err := d.Download(ctx, item); err != nil {
				return fmt.Errorf("download %q: %s", item.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Download downloads the files of the item unless a previous run completed.
func (d *D) Download(ctx context.Context, item Item) error {
	log := d.logger.WithValues("name", item.Name)
	destDir := Dir(d.modelDir, item.Name)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}
	marker := filepath.Join(destDir, completionFile)
	if _, err := os.Stat(marker); err == nil {
		log.Info("Already downloaded. Skipping the download.")
		return nil
	}

	src := path.Join(d.pathPrefix, item.Name)
	// The trailing slash keeps "text300M" from matching "text300M-old".
	keys, err := d.s3Client.ListKeys(ctx, src+"/")
	if err != nil {
		if !isAccessDenied(err) {
			return fmt.Errorf("list %q: %s", src, err)
		}
		log.Info("Listing the bucket is denied. Downloading the fallback files.", "files", item.FallbackFiles)
		keys = nil
		for _, f := range item.FallbackFiles {
			keys = append(keys, path.Join(src, f))
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("no files found under %q", src)
	}

	for _, key := range keys {
		fname := path.Base(key)
		if strings.HasPrefix(fname, ".") || strings.HasSuffix(key, "/") {
			log.V(1).Info("Skip downloading", "key", key)
			continue
		}
		if err := d.downloadFile(ctx, key, filepath.Join(destDir, fname)); err != nil {
			return err
		}
		log.Info("Downloaded", "key", key)
	}

	f, err := os.Create(marker)
	if err != nil {
		return err
	}
	return f.Close()
}

func (d *D) downloadFile(ctx context.Context, key, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create file %q: %s", dest, err)
	}
	if err := d.s3Client.Download(ctx, f, key); err != nil {
		_ = f.Close()
		_ = os.Remove(dest)
		return fmt.Errorf("download %q: %s", key, err)
	}
	return f.Close()
}

func isAccessDenied(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "AccessDenied"
}
