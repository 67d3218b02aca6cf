package stylegraph

import (
	"fmt"

	"k8s.io/examples/AI/styletransfer/pkg/graph"
)

// Encoder is the style-prediction half of a model. Executing it on a style image produces
// the normalization parameters of the transfer network at its tap points.
type Encoder struct {
	Graph *graph.LayerGraph
	// Taps are the StridedSlice layers, in graph order. Consecutive pairs are the scale
	// and bias of one patchable normalization.
	Taps []string
}

// PredictionOptions configures BuildPrediction.
type PredictionOptions struct {
	Topology Topology
	// StyleSize overrides the square resolution of the style input. Zero keeps the
	// resolution declared by the model.
	StyleSize int
}

// Pairs is the number of parameter pairs the encoder produces.
func (e *Encoder) Pairs() int {
	return len(e.Taps) / 2
}

// BuildPrediction derives the encoder graph from a raw model. raw is not modified.
func BuildPrediction(raw *graph.LayerGraph, opts PredictionOptions) (*Encoder, error) {
	topo := opts.Topology.WithDefaults()
	g := raw.Clone()

	if err := bypassInputNormalization(g); err != nil {
		return nil, err
	}

	g, err := graph.FoldReflectPads(g)
	if err != nil {
		return nil, err
	}

	// Conditioned parameters are only produced here, so every normalization gets
	// identity storage and loses its tap edges.
	for i := range g.Layers {
		if g.Layers[i].Kind != graph.KindNormalization {
			continue
		}
		conv, err := g.LastConv(i)
		if err != nil {
			return nil, err
		}
		channels, ok := conv.OutputChannels()
		if !ok {
			return nil, graph.Mismatchf(conv.Name, "cannot determine output channels")
		}
		g.SetNormalizationStorage(i, channels)
	}

	removeLayers(g, topo.isTransfer)

	var taps []string
	for i := range g.Layers {
		if g.Layers[i].Kind == graph.KindStridedSlice {
			taps = append(taps, g.Layers[i].Name)
		}
	}
	if len(taps) == 0 {
		return nil, graph.Mismatchf("", "encoder has no tap points")
	}
	if len(taps)%2 != 0 {
		return nil, graph.Mismatchf(taps[len(taps)-1], "odd number of tap points (%d)", len(taps))
	}
	g.Outputs = taps

	for _, name := range unusedInputs(g) {
		removeInput(g, name)
	}
	if _, ok := g.Input(topo.StyleInput); !ok {
		return nil, graph.Mismatchf(topo.StyleInput, "encoder does not read the style input")
	}
	if len(g.Inputs) != 1 {
		return nil, graph.Mismatchf("", "encoder reads %d inputs, expected only %q", len(g.Inputs), topo.StyleInput)
	}
	if opts.StyleSize > 0 {
		if err := setSpatial(g, topo.StyleInput, opts.StyleSize, opts.StyleSize); err != nil {
			return nil, err
		}
	}

	if _, err := checkShapes(g); err != nil {
		return nil, fmt.Errorf("checking encoder graph: %w", err)
	}
	return &Encoder{Graph: g, Taps: taps}, nil
}
