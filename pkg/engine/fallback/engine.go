package fallback

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"k8s.io/examples/AI/styletransfer/pkg/engine"
	"k8s.io/examples/AI/styletransfer/pkg/graph"
	"k8s.io/klog/v2"
)

// Options tunes compilation.
type Options struct {
	// Parallelism bounds the goroutines a convolution fans out to. Zero means GOMAXPROCS.
	Parallelism int
}

// Engine evaluates a layer graph on the CPU. Every intermediate buffer is allocated by
// Compile and reused by each Execute.
type Engine struct {
	inputName  string
	inputShape graph.Shape
	outputName string

	weights []float32
	tensors map[string]*tensor
	order   []*tensor

	parallelism int

	busy   atomic.Bool
	closed bool
}

var _ engine.Engine = (*Engine)(nil)

// Compile binds g to batch-1 buffers. The graph must declare exactly one input; its first
// declared output becomes the result of Execute. g is not retained.
func Compile(ctx context.Context, g *graph.LayerGraph, opts Options) (*Engine, error) {
	log := klog.FromContext(ctx)

	if err := g.Validate(); err != nil {
		return nil, err
	}
	if len(g.Inputs) != 1 {
		return nil, fmt.Errorf("compiling graph: expected 1 input, got %d", len(g.Inputs))
	}
	if len(g.Outputs) == 0 {
		return nil, fmt.Errorf("compiling graph: no declared output")
	}

	shapes, err := graph.InferShapes(g, 1)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		inputName:   g.Inputs[0].Name,
		inputShape:  shapes[g.Inputs[0].Name],
		outputName:  g.Outputs[0],
		weights:     append([]float32(nil), g.Weights...),
		tensors:     make(map[string]*tensor, len(g.Layers)),
		parallelism: opts.Parallelism,
	}
	if e.parallelism <= 0 {
		e.parallelism = runtime.GOMAXPROCS(0)
	}

	nodes := make([]engine.Node, 0, len(g.Layers))
	for i := range g.Layers {
		t := &tensor{layer: g.Layers[i].Clone()}
		for _, ref := range t.layer.Tensors {
			t.params = append(t.params, e.weights[ref.Offset:ref.Offset+ref.Length])
		}
		e.tensors[t.layer.Name] = t
		nodes = append(nodes, t)
	}

	names, err := engine.BuildDAG(nodes, []string{e.inputName}, g.Outputs)
	if err != nil {
		return nil, fmt.Errorf("ordering graph: %w", err)
	}

	for _, name := range names {
		t := e.tensors[name]
		output, err := engine.NewBuffer(shapes[name])
		if err != nil {
			e.Close()
			if resErr, ok := err.(*engine.ResourceError); ok {
				resErr.Name = name
			}
			return nil, err
		}
		t.output = output
		e.order = append(e.order, t)
	}

	log.V(2).Info("compiled graph", "input", e.inputName, "shape", e.inputShape, "layers", len(e.order), "output", e.outputName)
	return e, nil
}

func (e *Engine) InputShape() graph.Shape {
	return e.inputShape
}

// Execute runs every compiled layer over input. There is no cancellation: once started
// the pass runs to completion.
func (e *Engine) Execute(ctx context.Context, input *engine.Buffer) (*engine.Buffer, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, engine.ErrBusy
	}
	defer e.busy.Store(false)

	if e.closed {
		return nil, engine.ErrClosed
	}
	if input == nil || input.Released() {
		return nil, fmt.Errorf("executing graph: no input buffer")
	}
	if input.Shape != e.inputShape {
		return nil, &engine.ShapeError{Layer: e.inputName, Want: e.inputShape, Got: input.Shape}
	}

	for _, t := range e.order {
		t.inputs = t.inputs[:0]
		for _, name := range t.layer.Inputs {
			if name == e.inputName {
				t.inputs = append(t.inputs, input)
				continue
			}
			t.inputs = append(t.inputs, e.tensors[name].output)
		}
		if err := e.evaluate(t); err != nil {
			return nil, fmt.Errorf("evaluating %q: %w", t.layer.Name, err)
		}
	}

	return e.tensors[e.outputName].output, nil
}

func (e *Engine) Output(name string) (*engine.Buffer, error) {
	if e.closed {
		return nil, engine.ErrClosed
	}
	t, ok := e.tensors[name]
	if !ok || t.output == nil {
		return nil, fmt.Errorf("layer %q is not computed by this graph", name)
	}
	return t.output, nil
}

func (e *Engine) Tensor(layer string, slot int) ([]float32, error) {
	if e.busy.Load() {
		return nil, engine.ErrBusy
	}
	if e.closed {
		return nil, engine.ErrClosed
	}
	t, ok := e.tensors[layer]
	if !ok {
		return nil, fmt.Errorf("layer %q not found", layer)
	}
	if slot < 0 || slot >= len(t.params) {
		return nil, fmt.Errorf("layer %q has no tensor slot %d", layer, slot)
	}
	return t.params[slot], nil
}

// Close releases every buffer. It is safe to call more than once.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	for _, t := range e.tensors {
		t.output.Release()
		t.output = nil
		t.inputs = nil
	}
	e.order = nil
	e.weights = nil
	return nil
}

func (e *Engine) evaluate(t *tensor) error {
	l := &t.layer
	in := t.inputs[0]
	out := t.output

	switch l.Kind {
	case graph.KindConv2D:
		return conv2D(e.parallelism, l, t.param(0), t.param(1), in, out)
	case graph.KindConv2DTranspose:
		conv2DTranspose(l, t.param(0), t.param(1), in, out)
	case graph.KindNormalization:
		instanceNorm(l, t.param(0), t.param(1), in, out)
	case graph.KindActivation:
		copy(out.Data, in.Data)
		activate(l.Activation, out.Data)
	case graph.KindUpsample:
		upsample(l, in, out)
	case graph.KindReflectPad:
		reflectPad(l, in, out)
	case graph.KindStridedSlice:
		stridedSlice(l, in, out)
	case graph.KindAdd, graph.KindSub, graph.KindMul, graph.KindDiv:
		var rhs *engine.Buffer
		if len(t.inputs) > 1 {
			rhs = t.inputs[1]
		}
		elementwise(l, in, rhs, t.param(0), out)
	case graph.KindClip:
		for i, v := range in.Data {
			out.Data[i] = min(max(v, l.Min), l.Max)
		}
	case graph.KindInputNormalize:
		scale := float32(1)
		if l.Alpha != 0 {
			scale = 1 / l.Alpha
		}
		for i, v := range in.Data {
			out.Data[i] = v * scale
		}
	case graph.KindGlobalAvgPool:
		globalAvgPool(in, out)
	default:
		return fmt.Errorf("unsupported layer kind %s", l.Kind)
	}
	return nil
}
