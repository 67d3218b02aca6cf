package stylegraph

import (
	"fmt"

	"k8s.io/examples/AI/styletransfer/pkg/graph"
)

// tailLength is the number of layers following the output Add that are replaced by the
// color pipeline: a clamp, a scale to the output range, a second clamp and the inverse scale.
const tailLength = 4

// Transfer is the per-frame half of a model with its conditioned normalizations turned
// into patch points.
type Transfer struct {
	Graph *graph.LayerGraph
	// Patchable lists the normalizations whose scale and bias come from the encoder, in
	// the order of the encoder's tap pairs.
	Patchable []string
	// Output is the layer whose result is the stylized frame.
	Output string
}

// Options configures BuildRuntime.
type Options struct {
	Height, Width int
	// ForceBilinear selects bilinear upsampling even for the reference variant.
	ForceBilinear bool
	Variant       Variant
	Topology      Topology
}

// BuildRuntime derives the transfer graph from a raw model. raw is not modified.
func BuildRuntime(raw *graph.LayerGraph, opts Options) (*Transfer, error) {
	topo := opts.Topology.WithDefaults()
	g := raw.Clone()

	removeLayers(g, topo.isEncoder)
	removeInput(g, topo.StyleInput)

	if err := bypassInputNormalization(g); err != nil {
		return nil, err
	}

	sampling := graph.SamplingNearest
	if opts.ForceBilinear || opts.Variant != VariantReference {
		sampling = graph.SamplingBilinear
	}
	for i := range g.Layers {
		if l := &g.Layers[i]; l.Kind == graph.KindUpsample {
			l.Pool = [2]int{2, 2}
			l.Sampling = sampling
		}
	}

	g, err := graph.FoldReflectPads(g)
	if err != nil {
		return nil, err
	}

	patchable, err := resetNormalizations(g)
	if err != nil {
		return nil, err
	}
	removeLayers(g, func(l *graph.Layer) bool { return l.Kind == graph.KindStridedSlice })

	if err := fuseActivations(g); err != nil {
		return nil, err
	}

	if err := bypassInputBlock(g, topo, opts.Variant); err != nil {
		return nil, err
	}

	output, err := truncateTail(g, topo)
	if err != nil {
		return nil, err
	}

	if err := setSpatial(g, topo.FrameInput, opts.Height, opts.Width); err != nil {
		return nil, err
	}
	if len(g.Inputs) != 1 {
		return nil, graph.Mismatchf("", "transfer graph reads %d inputs, expected only %q", len(g.Inputs), topo.FrameInput)
	}

	shapes, err := checkShapes(g)
	if err != nil {
		return nil, fmt.Errorf("checking transfer graph: %w", err)
	}
	if c := shapes[output].C(); c != 3 {
		return nil, graph.Mismatchf(output, "output has %d channels, expected 3", c)
	}
	return &Transfer{Graph: g, Patchable: patchable, Output: output}, nil
}

// resetNormalizations gives every normalization fresh identity storage sized to its
// convolution and returns, in graph order, those conditioned by a StridedSlice.
func resetNormalizations(g *graph.LayerGraph) ([]string, error) {
	var patchable []string
	for i := range g.Layers {
		l := &g.Layers[i]
		if l.Kind != graph.KindNormalization {
			continue
		}
		conditioned := fedBySlice(g, i)

		conv, err := g.LastConv(i)
		if err != nil {
			return nil, err
		}
		channels, ok := conv.OutputChannels()
		if !ok {
			return nil, graph.Mismatchf(conv.Name, "cannot determine output channels")
		}
		g.SetNormalizationStorage(i, channels)
		if conditioned {
			patchable = append(patchable, l.Name)
		}
	}
	return patchable, nil
}

// fedBySlice reports whether the normalization at i reads a StridedSlice, or, for
// exporters that drop the tap edges, directly follows one in list order.
func fedBySlice(g *graph.LayerGraph, i int) bool {
	inputs := g.Layers[i].Inputs
	for j := 1; j < len(inputs); j++ {
		if p := g.Producer(inputs[j]); p >= 0 && g.Layers[p].Kind == graph.KindStridedSlice {
			return true
		}
	}
	return i > 0 && g.Layers[i-1].Kind == graph.KindStridedSlice
}

// fuseActivations folds a ReLU into the normalization it directly follows when the
// normalization has no other consumer.
func fuseActivations(g *graph.LayerGraph) error {
	for i := 0; i < len(g.Layers); i++ {
		norm := &g.Layers[i]
		if norm.Kind != graph.KindNormalization || norm.Activation != graph.ActivationNone {
			continue
		}
		consumers := g.Consumers(norm.Name)
		if len(consumers) != 1 {
			continue
		}
		act := &g.Layers[consumers[0]]
		if act.Kind != graph.KindActivation || act.Activation != graph.ActivationReLU || len(act.Inputs) != 1 {
			continue
		}
		norm.Activation = graph.ActivationReLU
		// The activation comes after the normalization, so i stays valid.
		if err := g.Bypass(consumers[0]); err != nil {
			return fmt.Errorf("fusing %q into %q: %w", act.Name, norm.Name, err)
		}
	}
	return nil
}

// bypassInputBlock makes sure the first transfer convolution sees the frame. The reference
// variant was trained on centered input, so its centering layers are kept and must read
// the frame; other variants take the frame directly and the transfer layers before their
// first convolution are dropped.
func bypassInputBlock(g *graph.LayerGraph, topo Topology, variant Variant) error {
	first := -1
	for i := range g.Layers {
		if g.Layers[i].Kind.IsConv() && topo.isTransfer(&g.Layers[i]) {
			first = i
			break
		}
	}
	if first < 0 {
		return graph.Mismatchf("", "no convolution with prefix %q", topo.TransferPrefix)
	}
	if _, ok := g.Input(topo.FrameInput); !ok {
		return graph.Mismatchf(topo.FrameInput, "graph has no frame input")
	}

	var block []int
	for i := 0; i < first; i++ {
		if topo.isTransfer(&g.Layers[i]) {
			block = append(block, i)
		}
	}

	if variant == VariantReference {
		if !readsFrame(g, first, topo.FrameInput) {
			return graph.Mismatchf(g.Layers[first].Name, "first convolution does not read %q", topo.FrameInput)
		}
		return nil
	}

	g.Layers[first].Inputs[0] = topo.FrameInput
	g.RemoveAt(block...)
	return nil
}

// readsFrame reports whether the first-input chain of the layer at i reaches the frame input.
func readsFrame(g *graph.LayerGraph, i int, frame string) bool {
	for cur := i; ; {
		l := &g.Layers[cur]
		if len(l.Inputs) == 0 {
			return false
		}
		if l.Inputs[0] == frame {
			return true
		}
		p := g.Producer(l.Inputs[0])
		if p < 0 || p >= cur {
			return false
		}
		cur = p
	}
}

// truncateTail removes the output Add and the layers after it, and declares the layer the
// Add read from as the graph output.
func truncateTail(g *graph.LayerGraph, topo Topology) (string, error) {
	anchor := -1
	if topo.OutputAdd != "" {
		anchor = g.Index(topo.OutputAdd)
		if anchor >= 0 && g.Layers[anchor].Kind != graph.KindAdd {
			return "", graph.Mismatchf(topo.OutputAdd, "output anchor is %s, not Add", g.Layers[anchor].Kind)
		}
	} else {
		for i := range g.Layers {
			if g.Layers[i].Kind == graph.KindAdd {
				anchor = i
			}
		}
	}
	if anchor < 0 {
		return "", graph.Mismatchf(topo.OutputAdd, "output Add not found")
	}
	add := &g.Layers[anchor]
	if followers := len(g.Layers) - anchor - 1; followers < tailLength {
		return "", graph.Mismatchf(add.Name, "output Add is followed by %d layers, expected %d", followers, tailLength)
	}

	var output string
	if len(add.Inputs) > 0 && g.Producer(add.Inputs[0]) >= 0 {
		output = add.Inputs[0]
	} else if anchor > 0 {
		output = g.Layers[anchor-1].Name
	} else {
		return "", graph.Mismatchf(add.Name, "no layer precedes the output Add")
	}

	tail := make([]int, 0, tailLength+1)
	for i := anchor; i <= anchor+tailLength; i++ {
		tail = append(tail, i)
	}
	g.RemoveAt(tail...)
	g.Outputs = []string{output}
	return output, nil
}
