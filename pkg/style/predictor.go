package style

import (
	"context"
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"
	"k8s.io/examples/AI/styletransfer/pkg/engine"
	"k8s.io/examples/AI/styletransfer/pkg/graph"
	"k8s.io/klog/v2"
)

// Predictor runs the style encoder to produce normalization parameters for style assets.
type Predictor struct {
	engine    engine.Engine
	taps      []string
	patchable int

	executions int
}

// NewPredictor wraps a compiled encoder. taps are its tap-point layers in graph order and
// patchable is the number of parameter pairs the transfer graph expects.
func NewPredictor(e engine.Engine, taps []string, patchable int) *Predictor {
	return &Predictor{engine: e, taps: taps, patchable: patchable}
}

// Executions reports how many times the encoder has been run.
func (p *Predictor) Executions() int {
	return p.executions
}

// Predict returns the parameters for asset, running the encoder only if the asset has no
// memoized result.
func (p *Predictor) Predict(ctx context.Context, asset *Asset) ([]ParameterPair, error) {
	if params, ok := asset.Params(); ok {
		return params, nil
	}
	log := klog.FromContext(ctx)

	if len(p.taps)%2 != 0 || len(p.taps)/2 != p.patchable {
		return nil, graph.Mismatchf("", "encoder has %d tap points, transfer graph has %d patchable layers", len(p.taps), p.patchable)
	}
	if asset.Image == nil {
		return nil, fmt.Errorf("style asset %q has no image", asset.ID)
	}

	input, err := engine.NewBuffer(p.engine.InputShape())
	if err != nil {
		return nil, err
	}
	defer input.Release()
	fillBuffer(input, asset.Image)

	values, err := engine.Evaluate(ctx, p.engine, input, p.taps)
	p.executions++
	if err != nil {
		return nil, fmt.Errorf("predicting style %q: %w", asset.ID, err)
	}

	params := make([]ParameterPair, 0, len(values)/2)
	for i := 0; i+1 < len(values); i += 2 {
		if len(values[i]) != len(values[i+1]) {
			return nil, graph.Mismatchf(p.taps[i+1], "bias has %d values, scale has %d", len(values[i+1]), len(values[i]))
		}
		params = append(params, ParameterPair{Scale: values[i], Bias: values[i+1]})
	}
	asset.params = params

	log.Info("predicted style parameters", "style", asset.ID, "pairs", len(params))
	return params, nil
}

// fillBuffer resizes img to the buffer's spatial shape and stores its RGB channels in [0,1].
func fillBuffer(b *engine.Buffer, img image.Image) {
	h, w := b.Shape.H(), b.Shape.W()
	resized := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(resized, resized.Bounds(), img, img.Bounds(), xdraw.Src, nil)

	for n := 0; n < b.Shape.N(); n++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				px := b.Pixel(n, y, x)
				i := resized.PixOffset(x, y)
				for c := 0; c < len(px) && c < 3; c++ {
					px[c] = float32(resized.Pix[i+c]) / 255
				}
			}
		}
	}
}
