// Package styletransfer repaints rendered frames in the style of a reference image.
//
// A Component owns two compiled graphs derived from one model: an encoder that turns the
// active style image into normalization parameters, and a transfer network that runs on
// every frame with those parameters patched in. Output lags the input by one frame.
package styletransfer

import (
	"context"
	"fmt"
	"image"
	"slices"
	"sync"

	xdraw "golang.org/x/image/draw"
	"k8s.io/examples/AI/styletransfer/pkg/color"
	"k8s.io/examples/AI/styletransfer/pkg/config"
	"k8s.io/examples/AI/styletransfer/pkg/engine"
	"k8s.io/examples/AI/styletransfer/pkg/engine/fallback"
	"k8s.io/examples/AI/styletransfer/pkg/graph"
	"k8s.io/examples/AI/styletransfer/pkg/model"
	"k8s.io/examples/AI/styletransfer/pkg/style"
	"k8s.io/examples/AI/styletransfer/pkg/stylegraph"
	"k8s.io/klog/v2"
)

// Component drives style transfer for a stream of frames. All methods are safe to call
// from multiple goroutines; calls are serialized.
type Component struct {
	mu sync.Mutex

	cfg   *config.Config
	built *config.Config

	raw         *graph.LayerGraph
	rawURI      string
	graphPinned bool

	assets       []*style.Asset
	assetsPinned bool

	transfer       *stylegraph.Transfer
	encoderEngine  engine.Engine
	transferEngine engine.Engine
	predictor      *style.Predictor
	encoderRuns    int

	pipeline color.Pipeline
	input    *engine.Buffer
	// working holds the previous frame at the network resolution.
	working    *color.Texture
	hasWorking bool
	scratch    *color.Texture
	output     *color.Texture

	patched *style.Asset
	ready   bool
	failed  error
}

// Option customizes a Component.
type Option func(c *Component)

// WithGraph uses raw instead of loading the configured model.
func WithGraph(raw *graph.LayerGraph) Option {
	return func(c *Component) {
		c.raw = raw
		c.graphPinned = true
	}
}

// WithStyleAssets uses assets instead of loading the configured style images.
func WithStyleAssets(assets ...*style.Asset) Option {
	return func(c *Component) {
		c.assets = assets
		c.assetsPinned = true
	}
}

// New returns an inactive component. Call Setup before rendering.
func New(cfg *config.Config, opts ...Option) *Component {
	c := &Component{
		cfg:     cfg.Clone(),
		working: &color.Texture{},
		scratch: &color.Texture{},
		output:  &color.Texture{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsActive reports whether a valid style is selected and Setup has not failed.
func (c *Component) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isActive()
}

func (c *Component) isActive() bool {
	return c.failed == nil && c.hasActiveStyle()
}

func (c *Component) hasActiveStyle() bool {
	if !c.ready && !c.assetsPinned {
		return c.cfg.HasActiveStyle()
	}
	_, ok := c.activeAsset()
	return ok
}

// activeAsset returns the loaded asset selected by the configuration. Styles configured
// after the last Setup have not been loaded, so none is selected until Setup runs again.
func (c *Component) activeAsset() (*style.Asset, bool) {
	if !c.assetsPinned && c.built != nil && !slices.Equal(c.cfg.Styles, c.built.Styles) {
		return nil, false
	}
	i := c.cfg.ActiveStyleIndex
	if i < 0 || i >= len(c.assets) {
		return nil, false
	}
	return c.assets[i], true
}

// SetActiveStyle selects the style used by the following frames.
func (c *Component) SetActiveStyle(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.ActiveStyleIndex = i
}

// Reconfigure replaces the configuration. Changes that affect the compiled graphs take
// effect on the next Setup.
func (c *Component) Reconfigure(cfg *config.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg.Clone()
}

// EncoderRuns reports how many times the style encoder has executed.
func (c *Component) EncoderRuns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.predictor != nil {
		return c.encoderRuns + c.predictor.Executions()
	}
	return c.encoderRuns
}

// Setup loads the model and compiles both graphs. It does nothing when the component is
// already set up for the current configuration, and rebuilds everything when the
// configuration changed. A failed Setup leaves the component inactive until Cleanup.
func (c *Component) Setup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	log := klog.FromContext(ctx)

	if c.ready && !needsRebuild(c.built, c.cfg) {
		return nil
	}
	if c.ready {
		log.Info("configuration changed, rebuilding")
		c.cleanup()
	}

	if err := c.setup(ctx); err != nil {
		c.cleanup()
		c.failed = err
		log.Error(err, "style transfer setup failed")
		return err
	}
	return nil
}

func (c *Component) setup(ctx context.Context) error {
	log := klog.FromContext(ctx)
	cfg := c.cfg.Clone()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if !c.graphPinned && (c.raw == nil || c.rawURI != cfg.Model) {
		raw, err := model.Load(ctx, cfg.Model, cfg.CacheDir)
		if err != nil {
			return err
		}
		c.raw, c.rawURI = raw, cfg.Model
	}

	encoder, err := stylegraph.BuildPrediction(c.raw, cfg.PredictionOptions())
	if err != nil {
		return fmt.Errorf("building encoder graph: %w", err)
	}
	runtimeOpts, err := cfg.RuntimeOptions()
	if err != nil {
		return err
	}
	transfer, err := stylegraph.BuildRuntime(c.raw, runtimeOpts)
	if err != nil {
		return fmt.Errorf("building transfer graph: %w", err)
	}
	if encoder.Pairs() != len(transfer.Patchable) {
		return graph.Mismatchf("", "encoder has %d tap points, transfer graph has %d patchable layers",
			len(encoder.Taps), len(transfer.Patchable))
	}

	engineOpts := fallback.Options{Parallelism: cfg.Parallelism}
	encoderEngine, err := fallback.Compile(ctx, encoder.Graph, engineOpts)
	if err != nil {
		return fmt.Errorf("compiling encoder graph: %w", err)
	}
	c.encoderEngine = encoderEngine
	transferEngine, err := fallback.Compile(ctx, transfer.Graph, engineOpts)
	if err != nil {
		return fmt.Errorf("compiling transfer graph: %w", err)
	}
	c.transferEngine = transferEngine

	input, err := engine.NewBuffer(transferEngine.InputShape())
	if err != nil {
		return err
	}
	c.input = input

	if !c.assetsPinned {
		c.assets = c.assets[:0]
		for _, uri := range cfg.Styles {
			asset, err := style.LoadAsset(ctx, uri, cfg.CacheDir)
			if err != nil {
				return fmt.Errorf("loading style %q: %w", uri, err)
			}
			c.assets = append(c.assets, asset)
		}
	}

	c.transfer = transfer
	c.predictor = style.NewPredictor(encoderEngine, encoder.Taps, len(transfer.Patchable))
	c.pipeline = color.Pipeline{
		PreGamma:  float32(cfg.Pregamma),
		PostGamma: float32(cfg.Postgamma),
		Bias:      float32(cfg.ColorBias),
	}
	c.built = cfg
	c.ready = true
	c.failed = nil

	log.Info("style transfer ready",
		"resolution", fmt.Sprintf("%dx%d", runtimeOpts.Width, runtimeOpts.Height),
		"variant", runtimeOpts.Variant,
		"patchable", len(transfer.Patchable),
		"styles", len(c.assets))
	return nil
}

// needsRebuild reports whether moving from built to cfg changes the compiled graphs or
// the loaded assets. Style selection, gamma and preview settings apply per frame.
func needsRebuild(built, cfg *config.Config) bool {
	if built == nil {
		return true
	}
	if built.Model != cfg.Model || built.CacheDir != cfg.CacheDir || built.Variant != cfg.Variant ||
		built.ForceBilinearUpsample != cfg.ForceBilinearUpsample || built.StyleSize != cfg.StyleSize ||
		built.Parallelism != cfg.Parallelism {
		return true
	}
	if !slices.Equal(built.Styles, cfg.Styles) {
		return true
	}
	if (built.Resolution == nil) != (cfg.Resolution == nil) || (built.Resolution != nil && *built.Resolution != *cfg.Resolution) {
		return true
	}
	if (built.Topology == nil) != (cfg.Topology == nil) || (built.Topology != nil && *built.Topology != *cfg.Topology) {
		return true
	}
	return false
}

// Render returns the stylized version of the previous frame and remembers src for the
// next call. The first frame after Setup, and any frame that cannot be processed, is
// returned unchanged.
func (c *Component) Render(ctx context.Context, src image.Image) image.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	log := klog.FromContext(ctx)

	if !c.ready || c.failed != nil {
		return src
	}
	asset, ok := c.activeAsset()
	if !ok {
		return src
	}
	c.pipeline.PreGamma = float32(c.cfg.Pregamma)
	c.pipeline.PostGamma = float32(c.cfg.Postgamma)
	c.pipeline.Bias = float32(c.cfg.ColorBias)

	if asset != c.patched {
		if err := c.applyStyle(ctx, asset); err != nil {
			log.Error(err, "failed to apply style", "style", asset.ID)
			return src
		}
	}

	dst := src
	if c.hasWorking {
		out, err := c.stylize(ctx, src.Bounds())
		if err != nil {
			log.Error(err, "style transfer failed, passing frame through")
		} else {
			if c.cfg.ShowStylePreview {
				drawPreview(out, asset.Image)
			}
			dst = out
		}
	}

	shape := c.input.Shape
	c.working.FromImage(color.Scale(src, shape.W(), shape.H()))
	c.hasWorking = true
	return dst
}

func (c *Component) applyStyle(ctx context.Context, asset *style.Asset) error {
	params, err := c.predictor.Predict(ctx, asset)
	if err != nil {
		return err
	}
	if err := style.Patch(c.transferEngine, c.transfer.Patchable, params); err != nil {
		return err
	}
	c.patched = asset
	klog.FromContext(ctx).V(2).Info("patched style parameters", "style", asset.ID)
	return nil
}

// stylize runs the transfer network on the working frame and scales the result to bounds.
func (c *Component) stylize(ctx context.Context, bounds image.Rectangle) (*image.NRGBA, error) {
	c.scratch.CopyFrom(c.working)
	c.pipeline.ApplyPreGamma(c.scratch)
	if err := c.pipeline.ToBuffer(c.scratch, c.input); err != nil {
		return nil, err
	}
	result, err := c.transferEngine.Execute(ctx, c.input)
	if err != nil {
		return nil, err
	}
	if err := c.pipeline.FromBuffer(result, c.output); err != nil {
		return nil, err
	}
	c.pipeline.ApplyPostGamma(c.output)

	img := c.output.ToImage()
	if img.Bounds().Dx() == bounds.Dx() && img.Bounds().Dy() == bounds.Dy() {
		return img, nil
	}
	return color.Scale(img, bounds.Dx(), bounds.Dy()), nil
}

// drawPreview composites a thumbnail of the style image into the top-left corner, one
// fifth of the frame wide.
func drawPreview(dst *image.NRGBA, styleImage image.Image) {
	sb := styleImage.Bounds()
	if sb.Empty() {
		return
	}
	w := dst.Bounds().Dx() / 5
	h := w * sb.Dy() / sb.Dx()
	if w == 0 || h == 0 {
		return
	}
	rect := image.Rect(0, 0, w, h).Add(dst.Bounds().Min)
	xdraw.BiLinear.Scale(dst, rect, styleImage, sb, xdraw.Over, nil)
}

// Cleanup releases the compiled graphs and buffers. It is safe to call more than once.
func (c *Component) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanup()
	c.failed = nil
}

func (c *Component) cleanup() {
	if c.predictor != nil {
		c.encoderRuns += c.predictor.Executions()
		c.predictor = nil
	}
	if c.encoderEngine != nil {
		c.encoderEngine.Close()
		c.encoderEngine = nil
	}
	if c.transferEngine != nil {
		c.transferEngine.Close()
		c.transferEngine = nil
	}
	c.input.Release()
	c.input = nil
	c.transfer = nil
	c.patched = nil
	c.hasWorking = false
	c.built = nil
	c.ready = false
	if c.assetsPinned {
		for _, asset := range c.assets {
			asset.Forget()
		}
	} else {
		c.assets = nil
	}
}
