package enginetests

import (
	"context"
	"errors"
	"math"
	"testing"

	"k8s.io/examples/AI/styletransfer/pkg/engine"
	"k8s.io/examples/AI/styletransfer/pkg/engine/fallback"
	"k8s.io/examples/AI/styletransfer/pkg/graph"
)

// normGraph is a 1x1x3x1 input followed by an instance normalization.
func normGraph() *graph.LayerGraph {
	g := &graph.LayerGraph{
		Inputs:  []graph.Input{{Name: "x", Shape: []int{-1, 1, 3, 1}}},
		Outputs: []string{"norm"},
	}
	scale := g.AppendData("norm/scale", []int{1}, []float32{1})
	bias := g.AppendData("norm/bias", []int{1}, []float32{0})
	g.Layers = []graph.Layer{
		{Name: "norm", Kind: graph.KindNormalization, Inputs: []string{"x"}, Tensors: []graph.DataRef{scale, bias}},
	}
	return g
}

func TestEngine(t *testing.T) {
	ctx := context.Background()
	e, err := fallback.Compile(ctx, normGraph(), fallback.Options{})
	if err != nil {
		t.Fatalf("failed to compile: %v", err)
	}

	input, err := engine.NewBuffer(e.InputShape())
	if err != nil {
		t.Fatalf("failed to allocate input: %v", err)
	}
	copy(input.Data, []float32{1, 2, 3})

	results, err := engine.Evaluate(ctx, e, input, []string{"norm"})
	if err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("failed to close engine: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	values := results[0]
	if len(values) != 3 {
		t.Fatalf("expected 3 values, got %d", len(values))
	}
	expected := []float32{-1.2247357, 0, 1.2247357}
	if !FloatingPointEqual(values, expected) {
		t.Errorf("expected %+v, got %+v", expected, values)
	}
}

func TestConvolution(t *testing.T) {
	g := &graph.LayerGraph{
		Inputs:  []graph.Input{{Name: "x", Shape: []int{1, 2, 2, 1}}},
		Outputs: []string{"conv"},
	}
	// 2x2 kernel of ones, one input and one output channel, bias 0.5.
	kernel := g.AppendData("conv/kernel", []int{2, 2, 1, 1}, []float32{1, 1, 1, 1})
	bias := g.AppendData("conv/bias", []int{1}, []float32{0.5})
	g.Layers = []graph.Layer{
		{Name: "conv", Kind: graph.KindConv2D, Inputs: []string{"x"}, Stride: 1, Pad: [4]int{0, 0, 1, 1}, Tensors: []graph.DataRef{kernel, bias}},
	}

	ctx := context.Background()
	e, err := fallback.Compile(ctx, g, fallback.Options{Parallelism: 2})
	if err != nil {
		t.Fatalf("failed to compile: %v", err)
	}
	defer e.Close()

	if got, want := e.InputShape(), (graph.Shape{1, 2, 2, 1}); got != want {
		t.Fatalf("unexpected input shape: got %v, want %v", got, want)
	}

	input, _ := engine.NewBuffer(e.InputShape())
	copy(input.Data, []float32{1, 2, 3, 4})
	out, err := e.Execute(ctx, input)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	expected := []float32{10.5, 6.5, 7.5, 4.5}
	if !FloatingPointEqual(out.Data, expected) {
		t.Errorf("expected %+v, got %+v", expected, out.Data)
	}
}

func TestCompileRejectsCorruptWeights(t *testing.T) {
	grid := []struct {
		name   string
		mutate func(ref *graph.DataRef)
	}{
		{"short kernel", func(ref *graph.DataRef) { ref.Length = 1 }},
		{"offset overflow", func(ref *graph.DataRef) { ref.Offset, ref.Length = math.MaxInt, 1 }},
	}
	for _, tc := range grid {
		t.Run(tc.name, func(t *testing.T) {
			g := &graph.LayerGraph{
				Inputs:  []graph.Input{{Name: "x", Shape: []int{1, 4, 4, 2}}},
				Outputs: []string{"conv"},
			}
			kernel := g.AppendData("conv/kernel", []int{3, 3, 2, 2}, make([]float32, 36))
			tc.mutate(&kernel)
			g.Layers = []graph.Layer{
				{Name: "conv", Kind: graph.KindConv2D, Inputs: []string{"x"}, Stride: 1, Pad: [4]int{1, 1, 1, 1}, Tensors: []graph.DataRef{kernel}},
			}

			_, err := fallback.Compile(context.Background(), g, fallback.Options{})
			var mismatch *graph.GraphMismatchError
			if !errors.As(err, &mismatch) {
				t.Fatalf("expected GraphMismatchError, got %v", err)
			}
			if mismatch.Layer != "conv" {
				t.Errorf("expected error to name layer %q, got %q", "conv", mismatch.Layer)
			}
		})
	}
}

func TestReflectPadFoldingPreservesShape(t *testing.T) {
	g := &graph.LayerGraph{
		Inputs:  []graph.Input{{Name: "x", Shape: []int{1, 5, 7, 2}}},
		Outputs: []string{"conv"},
	}
	kernel := g.AppendData("conv/kernel", []int{3, 3, 2, 4}, make([]float32, 3*3*2*4))
	g.Layers = []graph.Layer{
		{Name: "pad", Kind: graph.KindReflectPad, Inputs: []string{"x"}, Pad: [4]int{1, 1, 1, 1}},
		{Name: "conv", Kind: graph.KindConv2D, Inputs: []string{"pad"}, Stride: 1, Tensors: []graph.DataRef{kernel}},
	}

	before, err := graph.InferShapes(g, 1)
	if err != nil {
		t.Fatalf("failed to infer shapes: %v", err)
	}
	folded, err := graph.FoldReflectPads(g)
	if err != nil {
		t.Fatalf("failed to fold pads: %v", err)
	}
	if len(folded.Layers) != 1 {
		t.Fatalf("expected 1 layer after folding, got %d", len(folded.Layers))
	}
	after, err := graph.InferShapes(folded, 1)
	if err != nil {
		t.Fatalf("failed to infer folded shapes: %v", err)
	}
	if before["conv"] != after["conv"] {
		t.Errorf("folding changed output shape: %v -> %v", before["conv"], after["conv"])
	}
	if got, want := after["conv"], (graph.Shape{1, 5, 7, 4}); got != want {
		t.Errorf("unexpected output shape: got %v, want %v", got, want)
	}
}

func TestTransposedConvolutionShape(t *testing.T) {
	g := &graph.LayerGraph{
		Inputs:  []graph.Input{{Name: "x", Shape: []int{1, 4, 4, 1}}},
		Outputs: []string{"up"},
	}
	kernel := g.AppendData("up/kernel", []int{3, 3, 1, 1}, make([]float32, 9))
	g.Layers = []graph.Layer{
		{Name: "up", Kind: graph.KindConv2DTranspose, Inputs: []string{"x"}, Stride: 2, Crop: [4]int{1, 1, 0, 0}, Tensors: []graph.DataRef{kernel}},
	}
	ctx := context.Background()
	e, err := fallback.Compile(ctx, g, fallback.Options{})
	if err != nil {
		t.Fatalf("failed to compile: %v", err)
	}
	defer e.Close()

	input, _ := engine.NewBuffer(e.InputShape())
	out, err := e.Execute(ctx, input)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	if got, want := out.Shape, (graph.Shape{1, 8, 8, 1}); got != want {
		t.Errorf("unexpected output shape: got %v, want %v", got, want)
	}
}

func TestUpsample(t *testing.T) {
	g := &graph.LayerGraph{
		Inputs:  []graph.Input{{Name: "x", Shape: []int{1, 1, 2, 1}}},
		Outputs: []string{"up"},
	}
	g.Layers = []graph.Layer{
		{Name: "up", Kind: graph.KindUpsample, Inputs: []string{"x"}, Pool: [2]int{1, 2}},
	}

	for _, tc := range []struct {
		sampling graph.Sampling
		expected []float32
	}{
		{graph.SamplingNearest, []float32{0, 0, 4, 4}},
		{graph.SamplingBilinear, []float32{0, 1, 3, 4}},
	} {
		t.Run(tc.sampling.String(), func(t *testing.T) {
			g := g.Clone()
			g.Layers[0].Sampling = tc.sampling

			ctx := context.Background()
			e, err := fallback.Compile(ctx, g, fallback.Options{})
			if err != nil {
				t.Fatalf("failed to compile: %v", err)
			}
			defer e.Close()

			input, _ := engine.NewBuffer(e.InputShape())
			copy(input.Data, []float32{0, 4})
			out, err := e.Execute(ctx, input)
			if err != nil {
				t.Fatalf("failed to execute: %v", err)
			}
			if !FloatingPointEqual(out.Data, tc.expected) {
				t.Errorf("expected %+v, got %+v", tc.expected, out.Data)
			}
		})
	}
}

func TestShapeMismatch(t *testing.T) {
	ctx := context.Background()
	e, err := fallback.Compile(ctx, normGraph(), fallback.Options{})
	if err != nil {
		t.Fatalf("failed to compile: %v", err)
	}
	defer e.Close()

	input, _ := engine.NewBuffer(graph.Shape{1, 3, 1, 1})
	_, err = e.Execute(ctx, input)
	var shapeErr *engine.ShapeError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("expected ShapeError, got %v", err)
	}
}

func TestParameterStore(t *testing.T) {
	ctx := context.Background()
	e, err := fallback.Compile(ctx, normGraph(), fallback.Options{})
	if err != nil {
		t.Fatalf("failed to compile: %v", err)
	}
	defer e.Close()

	bias, err := e.Tensor("norm", 1)
	if err != nil {
		t.Fatalf("failed to get bias storage: %v", err)
	}
	bias[0] = 10

	input, _ := engine.NewBuffer(e.InputShape())
	copy(input.Data, []float32{1, 2, 3})
	out, err := e.Execute(ctx, input)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	expected := []float32{8.7752643, 10, 11.2247357}
	if !FloatingPointEqual(out.Data, expected) {
		t.Errorf("expected %+v, got %+v", expected, out.Data)
	}

	if _, err := e.Tensor("norm", 2); err == nil {
		t.Errorf("expected error for missing slot")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, err := fallback.Compile(ctx, normGraph(), fallback.Options{})
	if err != nil {
		t.Fatalf("failed to compile: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	input, _ := engine.NewBuffer(graph.Shape{1, 1, 3, 1})
	if _, err := e.Execute(ctx, input); !errors.Is(err, engine.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestOversizedBuffer(t *testing.T) {
	_, err := engine.NewBuffer(graph.Shape{1, 1 << 15, 1 << 15, 3})
	var resErr *engine.ResourceError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ResourceError, got %v", err)
	}
}

func TestBuildDAG(t *testing.T) {
	nodes := []engine.Node{
		node{"b", []string{"a"}},
		node{"a", []string{"in"}},
		node{"unused", []string{"in"}},
		node{"c", []string{"a", "b"}},
	}
	order, err := engine.BuildDAG(nodes, []string{"in"}, []string{"c"})
	if err != nil {
		t.Fatalf("failed to build DAG: %v", err)
	}
	expected := []string{"a", "b", "c"}
	if len(order) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, order)
	}
	for i := range expected {
		if order[i] != expected[i] {
			t.Fatalf("expected %v, got %v", expected, order)
		}
	}

	if _, err := engine.BuildDAG(nodes, nil, []string{"c"}); err == nil {
		t.Errorf("expected error when input is missing")
	}
}

type node struct {
	name string
	deps []string
}

func (n node) NodeName() string       { return n.name }
func (n node) Dependencies() []string { return n.deps }

func FloatingPointEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i, value := range a {
		if math.Abs(float64(value-b[i])) > 0.00001 {
			return false
		}
	}
	return true
}
