package blobs

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"
)

// Fetch resolves an asset URI to a local file, downloading it into cacheDir when needed.
//
// Supported forms are gs://bucket/key, http(s)://host/path/key and plain file paths
// (a leading ~/ is expanded). Downloaded assets are reused on later calls.
func Fetch(ctx context.Context, uri string, cacheDir string) (string, error) {
	log := klog.FromContext(ctx)

	var reader BlobReader
	var info BlobInfo
	var cacheKey string

	switch {
	case strings.HasPrefix(uri, "gs://"):
		bucket, key, ok := strings.Cut(strings.TrimPrefix(uri, "gs://"), "/")
		if !ok || bucket == "" || key == "" {
			return "", fmt.Errorf("asset URI %q must have the form gs://<bucket>/<key>", uri)
		}
		reader = &GCSBlobstore{Bucket: bucket}
		info = BlobInfo{Key: key}
		cacheKey = filepath.Join("gs", bucket, filepath.FromSlash(key))

	case strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://"):
		u, err := url.Parse(uri)
		if err != nil {
			return "", fmt.Errorf("parsing asset url %q: %w", uri, err)
		}
		key := path.Base(u.Path)
		if key == "/" || key == "." {
			return "", fmt.Errorf("asset url %q has no file name", uri)
		}
		base := *u
		base.Path = path.Dir(u.Path)
		reader = &ModelServer{BaseURL: &base}
		info = BlobInfo{Key: key}
		cacheKey = filepath.Join(u.Scheme, u.Host, filepath.FromSlash(u.Path))

	default:
		p, err := expandHome(uri)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("asset %q: %w", p, err)
		}
		return p, nil
	}

	if cacheDir == "" {
		userCache, err := os.UserCacheDir()
		if err != nil {
			return "", fmt.Errorf("getting user cache directory: %w", err)
		}
		cacheDir = filepath.Join(userCache, "styletransfer")
	}
	cacheDir, err := expandHome(cacheDir)
	if err != nil {
		return "", err
	}

	localPath := filepath.Join(cacheDir, cacheKey)
	if _, err := os.Stat(localPath); err == nil {
		log.V(2).Info("using cached asset", "uri", uri, "path", localPath)
		return localPath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking cached asset %q: %w", localPath, err)
	}

	if err := reader.Download(ctx, info, localPath); err != nil {
		return "", fmt.Errorf("fetching %q: %w", uri, err)
	}
	return localPath, nil
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, strings.TrimPrefix(p, "~/")), nil
}
