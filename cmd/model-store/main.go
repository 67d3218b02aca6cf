package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/examples/AI/styletransfer/pkg/blobs"
	"k8s.io/examples/AI/styletransfer/pkg/model"
	"k8s.io/klog/v2"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	listen := ":8080"
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		// CACHE_DIR is set on kubernetes; default sensibly for local dev
		cacheDir = "~/.cache/styletransfer/assets"
	}
	publish := ""
	klog.InitFlags(nil)
	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "cache directory")
	flag.StringVar(&publish, "publish", publish, "validate and upload the given model or style file, then exit")
	flag.Parse()

	if strings.HasPrefix(cacheDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("getting home directory: %w", err)
		}
		cacheDir = filepath.Join(homeDir, strings.TrimPrefix(cacheDir, "~/"))
	}

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	cacheBucket := os.Getenv("CACHE_BUCKET")
	if cacheBucket == "" {
		return fmt.Errorf("must specify CACHE_BUCKET env var")
	}

	var blobstore blobs.Blobstore

	if strings.HasPrefix(cacheBucket, "gs://") {
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(cacheBucket, "gs://"), "/")
		log.Info("using GCS cache", "bucket", bucket, "prefix", prefix)

		blobstore = &blobs.GCSBlobstore{
			Bucket: bucket,
			Prefix: prefix,
		}
	} else {
		return fmt.Errorf("CACHE_BUCKET must be a GCS bucket URL (gs://<bucketName>[/<prefix>])")
	}

	if publish != "" {
		return publishAsset(ctx, blobstore, publish)
	}

	s := &httpServer{
		assets: &assetCache{
			BaseDir:   cacheDir,
			blobstore: blobstore,
		},
	}

	log.Info("serving", "listen", listen)
	if err := http.ListenAndServe(listen, s); err != nil {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}

	return nil
}

// publishAsset uploads a model or style image under its base name. Models are decoded
// first so a corrupt file is never published.
func publishAsset(ctx context.Context, blobstore blobs.Blobstore, p string) error {
	log := klog.FromContext(ctx)

	key := filepath.Base(p)
	if strings.HasSuffix(key, model.FileExtension) {
		if _, err := model.Load(ctx, p, ""); err != nil {
			return fmt.Errorf("refusing to publish %q: %w", p, err)
		}
	}
	if err := blobstore.Upload(ctx, p, blobs.BlobInfo{Key: key}); err != nil {
		return err
	}
	log.Info("published asset", "path", p, "key", key)
	return nil
}

type httpServer struct {
	assets *assetCache
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokens := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(tokens) == 1 {
		if r.Method == "GET" || r.Method == "HEAD" {
			s.serveGETAsset(w, r, tokens[0])
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	http.Error(w, "not found", http.StatusNotFound)
}

func (s *httpServer) serveGETAsset(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()

	log := klog.FromContext(ctx)

	f, err := s.assets.Get(ctx, key)
	if err != nil {
		switch status.Code(err) {
		case codes.NotFound:
			http.Error(w, "not found", http.StatusNotFound)
		case codes.InvalidArgument:
			http.Error(w, "bad request", http.StatusBadRequest)
		default:
			log.Error(err, "error getting asset", "key", key)
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
		return
	}
	defer f.Close()
	p := f.Name()

	log.V(2).Info("serving asset", "path", p)
	http.ServeFile(w, r, p)
}

// assetCache keeps a local copy of the assets in the bucket.
type assetCache struct {
	BaseDir   string
	blobstore blobs.Blobstore

	// mu serializes downloads so concurrent requests for one key fetch it once.
	mu sync.Mutex
}

func (c *assetCache) Get(ctx context.Context, key string) (*os.File, error) {
	log := klog.FromContext(ctx)

	if !validKey(key) {
		return nil, status.Errorf(codes.InvalidArgument, "invalid asset key %q", key)
	}

	localPath := filepath.Join(c.BaseDir, key)
	f, err := os.Open(localPath)
	if err == nil {
		return f, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening asset %q: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if f, err := os.Open(localPath); err == nil {
		return f, nil
	}

	log.Info("downloading asset", "key", key)
	if err := c.blobstore.Download(ctx, blobs.BlobInfo{Key: key}, localPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, status.Errorf(codes.NotFound, "asset %q not found", key)
		}
		return nil, fmt.Errorf("downloading asset %q: %w", key, err)
	}
	return os.Open(localPath)
}

func validKey(key string) bool {
	if key == "" || key == "." || key == ".." || strings.HasPrefix(key, ".") {
		return false
	}
	return path.Base(key) == key && !strings.ContainsAny(key, `/\`)
}
