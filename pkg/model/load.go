package model

import (
	"context"
	"fmt"
	"os"

	"k8s.io/examples/AI/styletransfer/pkg/blobs"
	"k8s.io/examples/AI/styletransfer/pkg/graph"
	"k8s.io/klog/v2"
)

// FileExtension is the conventional suffix of model assets.
const FileExtension = ".stm"

// Load fetches the model asset at uri (see blobs.Fetch) and decodes its raw layer graph.
// All failures are reported as *graph.LoadError.
func Load(ctx context.Context, uri string, cacheDir string) (*graph.LayerGraph, error) {
	log := klog.FromContext(ctx)

	if uri == "" {
		return nil, &graph.LoadError{Err: fmt.Errorf("no model asset configured: %w", os.ErrNotExist)}
	}
	localPath, err := blobs.Fetch(ctx, uri, cacheDir)
	if err != nil {
		return nil, &graph.LoadError{Err: err}
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, &graph.LoadError{Err: fmt.Errorf("reading %q: %w", localPath, err)}
	}
	g, err := Decode(data)
	if err != nil {
		return nil, err
	}

	log.Info("loaded model asset", "uri", uri, "layers", len(g.Layers), "weights", len(g.Weights))
	return g, nil
}

// WriteFile encodes g into a model asset at path.
func WriteFile(path string, g *graph.LayerGraph) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid graph: %w", err)
	}
	if err := os.WriteFile(path, Encode(g), 0644); err != nil {
		return fmt.Errorf("writing model asset %q: %w", path, err)
	}
	return nil
}
