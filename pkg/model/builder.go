package model

import (
	"fmt"
	"hash/fnv"
	"math"

	"k8s.io/examples/AI/styletransfer/pkg/graph"
)

// Builder assembles a raw layer graph one layer at a time. Weights are filled with
// deterministic pseudo-random values derived from each tensor name, so the same calls
// always produce the same asset.
//
// Errors are collected and reported by Build.
type Builder struct {
	g        *graph.LayerGraph
	channels map[string]int
	err      error
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		g:        &graph.LayerGraph{},
		channels: make(map[string]int),
	}
}

// Input declares a graph input with an NHWC shape.
func (b *Builder) Input(name string, shape ...int) *Builder {
	if len(shape) != 4 {
		b.fail(fmt.Errorf("input %q: expected rank 4 shape, got %v", name, shape))
		return b
	}
	b.g.Inputs = append(b.g.Inputs, graph.Input{Name: name, Shape: append([]int(nil), shape...)})
	b.channels[name] = shape[3]
	return b
}

// Conv adds a square convolution with zero padding pad on every side.
func (b *Builder) Conv(name, input string, outputChannels, kernelSize, stride, pad int) *Builder {
	cin, ok := b.inputChannels(name, input)
	if !ok {
		return b
	}
	shape := []int{kernelSize, kernelSize, cin, outputChannels}
	scale := 1 / float32(math.Sqrt(float64(kernelSize*kernelSize*cin)))
	kernel := b.g.AppendData(name+"/kernel", shape, random(name+"/kernel", kernelSize*kernelSize*cin*outputChannels, scale))
	bias := b.g.AppendData(name+"/bias", []int{outputChannels}, random(name+"/bias", outputChannels, 0.1))
	return b.add(graph.Layer{
		Name:    name,
		Kind:    graph.KindConv2D,
		Inputs:  []string{input},
		Stride:  stride,
		Pad:     [4]int{pad, pad, pad, pad},
		Tensors: []graph.DataRef{kernel, bias},
	}, outputChannels)
}

// ReflectPad adds a reflection pad of pad on every side.
func (b *Builder) ReflectPad(name, input string, pad int) *Builder {
	c, ok := b.inputChannels(name, input)
	if !ok {
		return b
	}
	return b.add(graph.Layer{
		Name:   name,
		Kind:   graph.KindReflectPad,
		Inputs: []string{input},
		Pad:    [4]int{pad, pad, pad, pad},
	}, c)
}

// Norm adds an instance normalization with identity scale and bias. When taps are given
// they name the layers conditioning the scale and bias, in that order.
func (b *Builder) Norm(name, input string, taps ...string) *Builder {
	c, ok := b.inputChannels(name, input)
	if !ok {
		return b
	}
	scale, bias := graph.Identity(c)
	return b.add(graph.Layer{
		Name:    name,
		Kind:    graph.KindNormalization,
		Inputs:  append([]string{input}, taps...),
		Epsilon: 1e-5,
		Tensors: []graph.DataRef{
			b.g.AppendData(name+"/scale", []int{c}, scale),
			b.g.AppendData(name+"/bias", []int{c}, bias),
		},
	}, c)
}

// Activation adds a standalone activation.
func (b *Builder) Activation(name, input string, activation graph.Activation) *Builder {
	c, ok := b.inputChannels(name, input)
	if !ok {
		return b
	}
	return b.add(graph.Layer{Name: name, Kind: graph.KindActivation, Inputs: []string{input}, Activation: activation}, c)
}

// Upsample adds a nearest-neighbour upsample by factor in both dimensions.
func (b *Builder) Upsample(name, input string, factor int) *Builder {
	c, ok := b.inputChannels(name, input)
	if !ok {
		return b
	}
	return b.add(graph.Layer{Name: name, Kind: graph.KindUpsample, Inputs: []string{input}, Pool: [2]int{factor, factor}}, c)
}

// Slice adds a StridedSlice taking channels [begin, end).
func (b *Builder) Slice(name, input string, begin, end int) *Builder {
	if _, ok := b.inputChannels(name, input); !ok {
		return b
	}
	return b.add(graph.Layer{Name: name, Kind: graph.KindStridedSlice, Inputs: []string{input}, Begin: begin, End: end}, end-begin)
}

// Binary adds an elementwise layer combining two tensors.
func (b *Builder) Binary(kind graph.Kind, name, lhs, rhs string) *Builder {
	c, ok := b.inputChannels(name, lhs)
	if !ok {
		return b
	}
	if _, ok := b.inputChannels(name, rhs); !ok {
		return b
	}
	return b.add(graph.Layer{Name: name, Kind: kind, Inputs: []string{lhs, rhs}}, c)
}

// Scalar adds an elementwise layer combining a tensor with a constant.
func (b *Builder) Scalar(kind graph.Kind, name, input string, alpha float32) *Builder {
	c, ok := b.inputChannels(name, input)
	if !ok {
		return b
	}
	return b.add(graph.Layer{Name: name, Kind: kind, Inputs: []string{input}, Alpha: alpha}, c)
}

// Clip adds a clamp to [lo, hi].
func (b *Builder) Clip(name, input string, lo, hi float32) *Builder {
	c, ok := b.inputChannels(name, input)
	if !ok {
		return b
	}
	return b.add(graph.Layer{Name: name, Kind: graph.KindClip, Inputs: []string{input}, Min: lo, Max: hi}, c)
}

// InputNormalize adds a division by the input range.
func (b *Builder) InputNormalize(name, input string, inputRange float32) *Builder {
	c, ok := b.inputChannels(name, input)
	if !ok {
		return b
	}
	return b.add(graph.Layer{Name: name, Kind: graph.KindInputNormalize, Inputs: []string{input}, Alpha: inputRange}, c)
}

// GlobalAvgPool adds a spatial average.
func (b *Builder) GlobalAvgPool(name, input string) *Builder {
	c, ok := b.inputChannels(name, input)
	if !ok {
		return b
	}
	return b.add(graph.Layer{Name: name, Kind: graph.KindGlobalAvgPool, Inputs: []string{input}}, c)
}

// Output declares graph outputs.
func (b *Builder) Output(names ...string) *Builder {
	b.g.Outputs = append(b.g.Outputs, names...)
	return b
}

// Build validates the graph and checks that its shapes are consistent.
func (b *Builder) Build() (*graph.LayerGraph, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.g.Validate(); err != nil {
		return nil, err
	}
	if _, err := graph.InferShapes(b.g, 1); err != nil {
		return nil, err
	}
	return b.g.Clone(), nil
}

func (b *Builder) add(l graph.Layer, channels int) *Builder {
	b.g.Layers = append(b.g.Layers, l)
	b.channels[l.Name] = channels
	return b
}

func (b *Builder) inputChannels(name, input string) (int, bool) {
	if b.err != nil {
		return 0, false
	}
	c, ok := b.channels[input]
	if !ok {
		b.fail(fmt.Errorf("layer %q: unknown input %q", name, input))
	}
	return c, ok
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// random returns n values in [-scale, scale) from a linear congruential generator seeded
// with the FNV hash of name.
func random(name string, n int, scale float32) []float32 {
	h := fnv.New64a()
	h.Write([]byte(name))
	state := h.Sum64()

	values := make([]float32, n)
	for i := range values {
		state = state*6364136223846793005 + 1442695040888963407
		unit := float32(state>>40) / float32(1<<24)
		values[i] = (2*unit - 1) * scale
	}
	return values
}
