package blobs

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"k8s.io/klog/v2"
)

// ModelServer reads assets from an HTTP server such as cmd/model-store.
type ModelServer struct {
	// BaseURL is the base URL of the server, typically http://model-store
	BaseURL *url.URL

	// Client defaults to http.DefaultClient.
	Client *http.Client
}

var _ BlobReader = &ModelServer{}

func (l *ModelServer) Download(ctx context.Context, info BlobInfo, destPath string) error {
	log := klog.FromContext(ctx)

	u := l.BaseURL.JoinPath(info.Key).String()
	log.Info("downloading asset from url", "url", u)

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	startedAt := time.Now()

	httpClient := l.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("asset %q not found: %w", u, os.ErrNotExist)
		}
		return fmt.Errorf("unexpected status downloading %q: %v", u, resp.Status)
	}

	n, err := writeToFile(ctx, resp.Body, destPath, resp.ContentLength)
	if err != nil {
		return fmt.Errorf("downloading from %q: %w", u, err)
	}

	log.Info("downloaded asset", "url", u, "bytes", n, "duration", time.Since(startedAt))
	return nil
}
