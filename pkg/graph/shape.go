package graph

import "fmt"

// Shape is an NHWC tensor shape.
type Shape [4]int

func (s Shape) N() int { return s[0] }
func (s Shape) H() int { return s[1] }
func (s Shape) W() int { return s[2] }
func (s Shape) C() int { return s[3] }

// Size is the element count.
func (s Shape) Size() int {
	return s[0] * s[1] * s[2] * s[3]
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", s[0], s[1], s[2], s[3])
}

// InferShapes derives the output shape of every layer. Dynamic batch dimensions are
// evaluated as batch.
func InferShapes(g *LayerGraph, batch int) (map[string]Shape, error) {
	shapes := make(map[string]Shape, len(g.Inputs)+len(g.Layers))
	for _, in := range g.Inputs {
		if len(in.Shape) != 4 {
			return nil, fmt.Errorf("input %q: expected rank 4 shape, got %v", in.Name, in.Shape)
		}
		s := Shape{in.Shape[0], in.Shape[1], in.Shape[2], in.Shape[3]}
		if s[0] < 0 {
			s[0] = batch
		}
		shapes[in.Name] = s
	}
	for i := range g.Layers {
		l := &g.Layers[i]
		ins := make([]Shape, len(l.Inputs))
		for j, name := range l.Inputs {
			s, ok := shapes[name]
			if !ok {
				return nil, Mismatchf(l.Name, "input %q has no shape", name)
			}
			ins[j] = s
		}
		out, err := layerShape(g, l, ins)
		if err != nil {
			return nil, err
		}
		if out[1] <= 0 || out[2] <= 0 || out[3] <= 0 {
			return nil, Mismatchf(l.Name, "non-positive output shape %v", out)
		}
		shapes[l.Name] = out
	}
	return shapes, nil
}

func layerShape(g *LayerGraph, l *Layer, ins []Shape) (Shape, error) {
	if len(ins) == 0 {
		return Shape{}, Mismatchf(l.Name, "%s has no inputs", l.Kind)
	}
	in := ins[0]
	switch l.Kind {
	case KindConv2D, KindConv2DTranspose:
		if len(l.Tensors) == 0 || len(l.Tensors[0].Shape) != 4 {
			return Shape{}, Mismatchf(l.Name, "missing [KH,KW,Cin,Cout] kernel")
		}
		k := l.Tensors[0].Shape
		if l.Tensors[0].Length != k[0]*k[1]*k[2]*k[3] {
			return Shape{}, Mismatchf(l.Name, "kernel has %d values, shape %v needs %d", l.Tensors[0].Length, k, k[0]*k[1]*k[2]*k[3])
		}
		if len(l.Tensors) > 1 {
			if n := l.Tensors[1].Length; n != 0 && n != k[3] {
				return Shape{}, Mismatchf(l.Name, "bias has %d values for %d output channels", n, k[3])
			}
		}
		if k[2] != in.C() {
			return Shape{}, Mismatchf(l.Name, "kernel expects %d input channels, got %d", k[2], in.C())
		}
		stride := max(l.Stride, 1)
		h := in.H() + l.Pad[0] + l.Pad[2]
		w := in.W() + l.Pad[1] + l.Pad[3]
		if l.Kind == KindConv2D {
			return Shape{in.N(), (h-k[0])/stride + 1, (w-k[1])/stride + 1, k[3]}, nil
		}
		return Shape{in.N(), (h-1)*stride + k[0] - l.Crop[0] - l.Crop[2], (w-1)*stride + k[1] - l.Crop[1] - l.Crop[3], k[3]}, nil

	case KindNormalization:
		if len(l.Tensors) < 2 {
			return Shape{}, Mismatchf(l.Name, "normalization needs scale and bias storage")
		}
		for _, t := range l.Tensors[:2] {
			if t.Length != in.C() {
				return Shape{}, Mismatchf(l.Name, "%s has %d values for %d channels", t.Name, t.Length, in.C())
			}
		}
		return in, nil

	case KindActivation, KindClip, KindInputNormalize:
		return in, nil

	case KindUpsample:
		py, px := max(l.Pool[0], 1), max(l.Pool[1], 1)
		return Shape{in.N(), in.H() * py, in.W() * px, in.C()}, nil

	case KindReflectPad:
		if l.Pad[0] >= in.H() || l.Pad[2] >= in.H() || l.Pad[1] >= in.W() || l.Pad[3] >= in.W() {
			return Shape{}, Mismatchf(l.Name, "reflect padding %v too large for %v", l.Pad, in)
		}
		return Shape{in.N(), in.H() + l.Pad[0] + l.Pad[2], in.W() + l.Pad[1] + l.Pad[3], in.C()}, nil

	case KindStridedSlice:
		if l.Begin < 0 || l.End > in.C() || l.Begin >= l.End {
			return Shape{}, Mismatchf(l.Name, "channel slice [%d,%d) outside %d channels", l.Begin, l.End, in.C())
		}
		return Shape{in.N(), in.H(), in.W(), l.End - l.Begin}, nil

	case KindAdd, KindSub, KindMul, KindDiv:
		if len(ins) == 2 {
			b := ins[1]
			if b == in || (b.H() == 1 && b.W() == 1 && b.C() == in.C()) {
				return in, nil
			}
			return Shape{}, Mismatchf(l.Name, "cannot broadcast %v onto %v", b, in)
		}
		if len(l.Tensors) > 0 {
			if n := l.Tensors[0].Length; n != 1 && n != in.C() {
				return Shape{}, Mismatchf(l.Name, "constant of %d values for %d channels", n, in.C())
			}
		}
		return in, nil

	case KindGlobalAvgPool:
		return Shape{in.N(), 1, 1, in.C()}, nil

	default:
		return Shape{}, Mismatchf(l.Name, "unsupported layer kind %s", l.Kind)
	}
}
