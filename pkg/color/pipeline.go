package color

import (
	"fmt"
	"math"

	"k8s.io/examples/AI/styletransfer/pkg/engine"
	"k8s.io/examples/AI/styletransfer/pkg/graph"
)

// Pipeline holds the color transforms applied before and after the transfer network.
type Pipeline struct {
	// PreGamma is the exponent applied to frames before inference.
	PreGamma float32
	// PostGamma is inverted when encoding the network output for display.
	PostGamma float32
	// Bias is added to the network output before clamping.
	Bias float32
}

// ApplyPreGamma raises the RGB components of t to PreGamma in place.
func (p *Pipeline) ApplyPreGamma(t *Texture) {
	applyGamma(t, p.PreGamma)
}

// ApplyPostGamma raises the RGB components of t to 1/PostGamma in place.
func (p *Pipeline) ApplyPostGamma(t *Texture) {
	if p.PostGamma == 0 {
		return
	}
	applyGamma(t, 1/p.PostGamma)
}

func applyGamma(t *Texture, exponent float32) {
	if exponent == 1 || exponent == 0 {
		return
	}
	e := float64(exponent)
	for i := 0; i < len(t.Pix); i += 4 {
		for c := i; c < i+3; c++ {
			if v := t.Pix[c]; v > 0 {
				t.Pix[c] = float32(math.Pow(float64(v), e))
			}
		}
	}
}

// ToBuffer stores the RGB components of t into a batch-1, three-channel buffer of the
// same spatial size.
func (p *Pipeline) ToBuffer(t *Texture, b *engine.Buffer) error {
	want := graph.Shape{1, t.Height, t.Width, 3}
	if b.Shape != want {
		return &engine.ShapeError{Layer: "texture", Want: b.Shape, Got: want}
	}
	for i, j := 0, 0; i < len(t.Pix); i, j = i+4, j+3 {
		b.Data[j+0] = t.Pix[i+0]
		b.Data[j+1] = t.Pix[i+1]
		b.Data[j+2] = t.Pix[i+2]
	}
	return nil
}

// FromBuffer writes a three-channel network output into t, adding Bias and clamping to
// [0,1]. t is resized to the buffer and made opaque.
func (p *Pipeline) FromBuffer(b *engine.Buffer, t *Texture) error {
	if b.Shape.N() != 1 || b.Shape.C() != 3 {
		return fmt.Errorf("network output %v is not a single RGB image", b.Shape)
	}
	t.Resize(b.Shape.W(), b.Shape.H())
	for i, j := 0, 0; j < len(b.Data); i, j = i+4, j+3 {
		t.Pix[i+0] = clamp01(b.Data[j+0] + p.Bias)
		t.Pix[i+1] = clamp01(b.Data[j+1] + p.Bias)
		t.Pix[i+2] = clamp01(b.Data[j+2] + p.Bias)
		t.Pix[i+3] = 1
	}
	return nil
}

func clamp01(v float32) float32 {
	return min(max(v, 0), 1)
}
