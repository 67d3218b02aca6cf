package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"k8s.io/klog/v2"
)

// GCSBlobstore keeps model and style assets in a GCS bucket.
type GCSBlobstore struct {
	Bucket string
	// Prefix is prepended to every key, so one bucket can hold several asset sets.
	Prefix string

	// Client is used when set; otherwise each call creates and closes its own client.
	Client *storage.Client
}

var _ Blobstore = (*GCSBlobstore)(nil)

// objectName is the name of the object holding the asset with the given key.
func (j *GCSBlobstore) objectName(info BlobInfo) string {
	if j.Prefix == "" {
		return info.Key
	}
	return path.Join(j.Prefix, info.Key)
}

func (j *GCSBlobstore) url(info BlobInfo) string {
	return "gs://" + j.Bucket + "/" + j.objectName(info)
}

func (j *GCSBlobstore) client(ctx context.Context) (*storage.Client, func(), error) {
	if j.Client != nil {
		return j.Client, func() {}, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GCS storage client: %w", err)
	}
	return client, func() { client.Close() }, nil
}

// contentType returns the MIME type stored with an uploaded asset.
func contentType(key string) string {
	if t := mime.TypeByExtension(path.Ext(key)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func (j *GCSBlobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	log := klog.FromContext(ctx)

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	gcsURL := j.url(info)

	client, done, err := j.client(ctx)
	if err != nil {
		return err
	}
	defer done()

	obj := client.Bucket(j.Bucket).Object(j.objectName(info))
	if _, err := obj.Attrs(ctx); err == nil {
		log.Info("asset already exists in GCS", "url", gcsURL)
		return nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("getting object attributes for %q: %w", gcsURL, err)
	}

	log.Info("uploading asset to GCS", "source", sourcePath, "destination", gcsURL)

	startedAt := time.Now()
	w := obj.NewWriter(ctx)
	w.ContentType = contentType(info.Key)
	n, err := io.Copy(w, src)
	if err != nil {
		w.Close()
		return fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing GCS writer: %w", err)
	}

	log.Info("uploaded asset to GCS", "url", gcsURL, "bytes", n, "duration", time.Since(startedAt))
	return nil
}

func (j *GCSBlobstore) Download(ctx context.Context, info BlobInfo, destinationPath string) error {
	log := klog.FromContext(ctx)

	gcsURL := j.url(info)

	client, done, err := j.client(ctx)
	if err != nil {
		return err
	}
	defer done()

	log.Info("downloading asset from GCS", "source", gcsURL, "destination", destinationPath)

	startedAt := time.Now()
	r, err := client.Bucket(j.Bucket).Object(j.objectName(info)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("asset %q not found: %w", gcsURL, os.ErrNotExist)
		}
		return fmt.Errorf("opening object from GCS %q: %w", gcsURL, err)
	}
	defer r.Close()

	wantSize := r.Attrs.Size
	if r.Attrs.Decompressed {
		wantSize = -1
	}
	n, err := writeToFile(ctx, r, destinationPath, wantSize)
	if err != nil {
		return fmt.Errorf("downloading %q: %w", gcsURL, err)
	}

	log.Info("downloaded asset from GCS", "source", gcsURL, "destination", destinationPath, "bytes", n, "duration", time.Since(startedAt))
	return nil
}

// writeToFile streams src into destinationPath through a temp file in the same directory,
// so a partially downloaded asset is never visible under its final name. When wantSize is
// not negative, a copy of any other length is discarded.
func writeToFile(ctx context.Context, src io.Reader, destinationPath string, wantSize int64) (int64, error) {
	log := klog.FromContext(ctx)

	dir := filepath.Dir(destinationPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("creating directory %q: %w", dir, err)
	}
	tempFile, err := os.CreateTemp(dir, "download")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				log.Error(err, "closing temp file", "path", tempFile.Name())
			}
		}
	}()

	n, err := io.Copy(tempFile, src)
	if err != nil {
		return n, fmt.Errorf("downloading from upstream source: %w", err)
	}
	if wantSize >= 0 && n != wantSize {
		return n, fmt.Errorf("truncated download: got %d bytes, want %d", n, wantSize)
	}

	if err := tempFile.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), destinationPath); err != nil {
		return n, fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false

	return n, nil
}
