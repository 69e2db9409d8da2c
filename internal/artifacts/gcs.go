package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSMirror copies finished videos to a bucket so they survive local
// cleanup.
type GCSMirror struct {
	client *storage.Client
	bucket string
	dir    string
}

func NewGCSMirror(ctx context.Context, bucket, dir string) (*GCSMirror, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSMirror{client: client, bucket: bucket, dir: dir}, nil
}

func (m *GCSMirror) Close() error {
	return m.client.Close()
}

// Upload stores localPath under <dir>/<jobID>/<basename> and returns the
// gs:// URL.
func (m *GCSMirror) Upload(ctx context.Context, jobID, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	objectName := strings.TrimPrefix(
		filepath.Join(m.dir, jobID, filepath.Base(localPath)), "/")
	w := m.client.Bucket(m.bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = "video/mp4"

	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", objectName, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize upload %s: %w", objectName, err)
	}
	return fmt.Sprintf("gs://%s/%s", m.bucket, objectName), nil
}

// ListJobObjects returns the mirrored object names for a job.
func (m *GCSMirror) ListJobObjects(ctx context.Context, jobID string) ([]string, error) {
	prefix := strings.TrimPrefix(filepath.Join(m.dir, jobID), "/") + "/"
	it := m.client.Bucket(m.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// DeleteJobObjects removes everything mirrored for a job.
func (m *GCSMirror) DeleteJobObjects(ctx context.Context, jobID string) error {
	names, err := m.ListJobObjects(ctx, jobID)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := m.client.Bucket(m.bucket).Object(name).Delete(ctx); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
	}
	return nil
}
