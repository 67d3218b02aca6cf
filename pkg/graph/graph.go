package graph

import (
	"fmt"
	"slices"
)

// Input declares a graph input. A negative batch dimension means the batch is dynamic.
type Input struct {
	Name  string
	Shape []int
}

// LayerGraph is an ordered, topologically valid layer list sharing one weight blob.
//
// Loaded graphs are never modified. Passes call Clone and edit the copy, so a
// LayerGraph handed out by a builder or the loader can be treated as a value.
type LayerGraph struct {
	Inputs  []Input
	Outputs []string
	Layers  []Layer
	Weights []float32
}

// Clone returns a deep copy, including the weight blob.
func (g *LayerGraph) Clone() *LayerGraph {
	out := &LayerGraph{
		Inputs:  make([]Input, len(g.Inputs)),
		Outputs: append([]string(nil), g.Outputs...),
		Layers:  make([]Layer, len(g.Layers)),
		Weights: append([]float32(nil), g.Weights...),
	}
	for i, in := range g.Inputs {
		out.Inputs[i] = Input{Name: in.Name, Shape: append([]int(nil), in.Shape...)}
	}
	for i := range g.Layers {
		out.Layers[i] = g.Layers[i].Clone()
	}
	return out
}

// Index returns the position of the named layer, or -1.
func (g *LayerGraph) Index(name string) int {
	for i := range g.Layers {
		if g.Layers[i].Name == name {
			return i
		}
	}
	return -1
}

// Layer returns the named layer.
func (g *LayerGraph) Layer(name string) (*Layer, bool) {
	i := g.Index(name)
	if i < 0 {
		return nil, false
	}
	return &g.Layers[i], true
}

// Input returns the named declared input.
func (g *LayerGraph) Input(name string) (*Input, bool) {
	for i := range g.Inputs {
		if g.Inputs[i].Name == name {
			return &g.Inputs[i], true
		}
	}
	return nil, false
}

// Data returns the weight values a reference points at. The slice aliases the blob.
func (g *LayerGraph) Data(ref DataRef) []float32 {
	return g.Weights[ref.Offset : ref.Offset+ref.Length]
}

// AppendData stores values at the end of the weight blob and returns a reference to them.
func (g *LayerGraph) AppendData(name string, shape []int, values []float32) DataRef {
	ref := DataRef{
		Name:   name,
		Shape:  append([]int(nil), shape...),
		Offset: len(g.Weights),
		Length: len(values),
	}
	g.Weights = append(g.Weights, values...)
	return ref
}

// Consumers returns the indices of layers reading the named tensor.
func (g *LayerGraph) Consumers(name string) []int {
	var consumers []int
	for i := range g.Layers {
		if slices.Contains(g.Layers[i].Inputs, name) {
			consumers = append(consumers, i)
		}
	}
	return consumers
}

// ReplaceInput rewrites every reference to from, in layer inputs and declared outputs, to to.
func (g *LayerGraph) ReplaceInput(from, to string) {
	for i := range g.Layers {
		for j, in := range g.Layers[i].Inputs {
			if in == from {
				g.Layers[i].Inputs[j] = to
			}
		}
	}
	for i, out := range g.Outputs {
		if out == from {
			g.Outputs[i] = to
		}
	}
}

// RemoveAt deletes the layers at the given indices without touching edges.
func (g *LayerGraph) RemoveAt(indices ...int) {
	drop := make(map[int]bool, len(indices))
	for _, i := range indices {
		drop[i] = true
	}
	kept := g.Layers[:0]
	for i := range g.Layers {
		if !drop[i] {
			kept = append(kept, g.Layers[i])
		}
	}
	g.Layers = kept
}

// Bypass removes the layer at index i and points its consumers at the layer's first input.
func (g *LayerGraph) Bypass(i int) error {
	l := &g.Layers[i]
	if len(l.Inputs) == 0 {
		return Mismatchf(l.Name, "cannot bypass %s without inputs", l.Kind)
	}
	name, source := l.Name, l.Inputs[0]
	g.RemoveAt(i)
	g.ReplaceInput(name, source)
	return nil
}

// Producer returns the index of the layer producing the named tensor, or -1 for
// declared inputs and unknown names.
func (g *LayerGraph) Producer(name string) int {
	return g.Index(name)
}

// LastConv resolves the convolution that determines the channel count of the layer at
// index i. It follows first-input edges upwards through channel-preserving layers; when
// the chain leaves the layer list without finding one it falls back to the nearest
// convolution preceding i in list order.
func (g *LayerGraph) LastConv(i int) (*Layer, error) {
	seen := make(map[int]bool)
	for cur := i; ; {
		l := &g.Layers[cur]
		if len(l.Inputs) == 0 {
			break
		}
		p := g.Producer(l.Inputs[0])
		if p < 0 || seen[p] {
			break
		}
		seen[p] = true
		if g.Layers[p].Kind.IsConv() {
			return &g.Layers[p], nil
		}
		if !preservesChannels(g.Layers[p].Kind) {
			break
		}
		cur = p
	}
	for j := i - 1; j >= 0; j-- {
		if g.Layers[j].Kind.IsConv() {
			return &g.Layers[j], nil
		}
	}
	return nil, Mismatchf(g.Layers[i].Name, "no preceding convolution")
}

// validateConvTensors checks that the kernel holds exactly KH*KW*Cin*Cout values and the
// bias, when present, one value per output channel.
func (g *LayerGraph) validateConvTensors(l *Layer) error {
	if len(l.Tensors) == 0 || len(l.Tensors[0].Shape) != 4 {
		return Mismatchf(l.Name, "missing [KH,KW,Cin,Cout] kernel")
	}
	kernel := l.Tensors[0]
	size := 1
	for _, d := range kernel.Shape {
		if d <= 0 || d > len(g.Weights) {
			return Mismatchf(l.Name, "invalid kernel shape %v", kernel.Shape)
		}
		size *= d
		if size > len(g.Weights) {
			return Mismatchf(l.Name, "kernel shape %v larger than weight blob of %d values", kernel.Shape, len(g.Weights))
		}
	}
	if kernel.Length != size {
		return Mismatchf(l.Name, "kernel %q has %d values, shape %v needs %d", kernel.Name, kernel.Length, kernel.Shape, size)
	}
	if len(l.Tensors) > 1 {
		if n := l.Tensors[1].Length; n != 0 && n != kernel.Shape[3] {
			return Mismatchf(l.Name, "bias %q has %d values for %d output channels", l.Tensors[1].Name, n, kernel.Shape[3])
		}
	}
	return nil
}

func preservesChannels(k Kind) bool {
	switch k {
	case KindConv2D, KindConv2DTranspose, KindStridedSlice, KindGlobalAvgPool:
		return false
	case KindNormalization, KindActivation, KindUpsample, KindReflectPad,
		KindAdd, KindSub, KindMul, KindDiv, KindClip, KindInputNormalize:
		return true
	}
	return false
}

// Validate checks the graph invariants: unique names, inputs resolving to earlier layers
// or declared inputs, in-bounds weight references and resolvable outputs.
func (g *LayerGraph) Validate() error {
	known := make(map[string]bool, len(g.Inputs)+len(g.Layers))
	for _, in := range g.Inputs {
		if in.Name == "" {
			return fmt.Errorf("input with empty name")
		}
		if len(in.Shape) != 4 {
			return fmt.Errorf("input %q: expected rank 4 shape, got %v", in.Name, in.Shape)
		}
		known[in.Name] = true
	}
	for i := range g.Layers {
		l := &g.Layers[i]
		if l.Name == "" {
			return fmt.Errorf("layer %d has no name", i)
		}
		if known[l.Name] {
			return Mismatchf(l.Name, "duplicate name")
		}
		for _, in := range l.Inputs {
			if !known[in] {
				return Mismatchf(l.Name, "input %q does not resolve to an earlier layer or graph input", in)
			}
		}
		for _, ref := range l.Tensors {
			if ref.Offset < 0 || ref.Length < 0 || ref.Offset > len(g.Weights) || ref.Length > len(g.Weights)-ref.Offset {
				return Mismatchf(l.Name, "tensor %q (offset %d, length %d) outside weight blob of %d values",
					ref.Name, ref.Offset, ref.Length, len(g.Weights))
			}
		}
		if l.Kind.IsConv() {
			if err := g.validateConvTensors(l); err != nil {
				return err
			}
		}
		known[l.Name] = true
	}
	for _, out := range g.Outputs {
		if !known[out] {
			return Mismatchf(out, "declared output does not exist")
		}
	}
	return nil
}
