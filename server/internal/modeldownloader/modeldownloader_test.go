package modeldownloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	testutil "github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/common/pkg/test"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3Client struct {
	objects    map[string]string
	listDenied bool

	mu         sync.Mutex
	downloaded []string
}

func (c *fakeS3Client) Download(ctx context.Context, w io.WriterAt, key string) error {
	body, ok := c.objects[key]
	if !ok {
		return &smithy.GenericAPIError{Code: "NoSuchKey", Message: key}
	}
	c.mu.Lock()
	c.downloaded = append(c.downloaded, key)
	c.mu.Unlock()
	_, err := w.WriteAt([]byte(body), 0)
	return err
}

func (c *fakeS3Client) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if c.listDenied {
		return nil, &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}
	}
	var keys []string
	for k := range c.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *fakeS3Client) downloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ks := append([]string(nil), c.downloaded...)
	sort.Strings(ks)
	return ks
}

func TestDownloadAll(t *testing.T) {
	s3 := &fakeS3Client{
		objects: map[string]string{
			"models/transmitter/model.pt":  "xm",
			"models/transmitter/.hidden":   "h",
			"models/text300M/model.pt":     "text",
			"models/text300M-old/model.pt": "old",
			"models/diffusion/config.yaml": "schedule: exp",
		},
	}
	modelDir := t.TempDir()
	d := New(modelDir, "/models/", s3, testutil.NewTestLogger(t))

	items := []Item{{Name: "transmitter"}, {Name: "text300M"}, {Name: "diffusion"}}
	err := d.DownloadAll(context.Background(), items)
	require.NoError(t, err)

	want := []string{
		"models/diffusion/config.yaml",
		"models/text300M/model.pt",
		"models/transmitter/model.pt",
	}
	assert.Equal(t, want, s3.downloads())

	b, err := os.ReadFile(filepath.Join(Dir(modelDir, "text300M"), "model.pt"))
	require.NoError(t, err)
	assert.Equal(t, "text", string(b))
	for _, item := range items {
		assert.FileExists(t, filepath.Join(Dir(modelDir, item.Name), completionFile))
	}

	// The completion marker skips the second run.
	err = d.DownloadAll(context.Background(), items)
	require.NoError(t, err)
	assert.Len(t, s3.downloads(), 3)
}

func TestDownload_ListDenied(t *testing.T) {
	s3 := &fakeS3Client{
		objects: map[string]string{
			"transmitter/model.pt": "xm",
		},
		listDenied: true,
	}
	modelDir := t.TempDir()
	d := New(modelDir, "", s3, testutil.NewTestLogger(t))

	err := d.Download(context.Background(), Item{Name: "transmitter", FallbackFiles: []string{"model.pt"}})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(modelDir, "transmitter", "model.pt"))

	err = d.Download(context.Background(), Item{Name: "transmitter2", FallbackFiles: []string{"model.pt"}})
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(modelDir, "transmitter2", "model.pt"))
	assert.NoFileExists(t, filepath.Join(modelDir, "transmitter2", completionFile))
}

func TestDownload_NotFound(t *testing.T) {
	s3 := &fakeS3Client{objects: map[string]string{}}
	d := New(t.TempDir(), "models", s3, testutil.NewTestLogger(t))

	err := d.Download(context.Background(), Item{Name: "missing"})
	assert.Error(t, err)
}

func TestIsAccessDenied(t *testing.T) {
	assert.True(t, isAccessDenied(fmt.Errorf("wrapped: %w", &smithy.GenericAPIError{Code: "AccessDenied"})))
	assert.False(t, isAccessDenied(&smithy.GenericAPIError{Code: "NoSuchKey"}))
	assert.False(t, isAccessDenied(fmt.Errorf("plain")))
}
