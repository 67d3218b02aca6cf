package style

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
	"k8s.io/examples/AI/styletransfer/pkg/blobs"
	"k8s.io/klog/v2"
)

// ParameterPair holds the normalization scale and bias for one patchable layer.
type ParameterPair struct {
	Scale []float32
	Bias  []float32
}

// Asset is a style reference image. The parameters predicted for it are memoized on the
// asset, keyed by its ID.
type Asset struct {
	ID    string
	Image image.Image

	params []ParameterPair
}

// NewAsset wraps an image as a style asset.
func NewAsset(id string, img image.Image) *Asset {
	return &Asset{ID: id, Image: img}
}

// LoadAsset fetches and decodes a style image. PNG, JPEG, BMP and WebP are supported.
func LoadAsset(ctx context.Context, uri string, cacheDir string) (*Asset, error) {
	log := klog.FromContext(ctx)

	p, err := blobs.Fetch(ctx, uri, cacheDir)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening style image %q: %w", p, err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding style image %q: %w", p, err)
	}
	log.V(2).Info("loaded style image", "uri", uri, "format", format, "bounds", img.Bounds())
	return NewAsset(uri, img), nil
}

// Params returns the memoized parameters, if they have been predicted.
func (a *Asset) Params() ([]ParameterPair, bool) {
	return a.params, a.params != nil
}

// Forget drops the memoized parameters, for use when the encoder changes.
func (a *Asset) Forget() {
	a.params = nil
}
