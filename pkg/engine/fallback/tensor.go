package fallback

import (
	"k8s.io/examples/AI/styletransfer/pkg/engine"
	"k8s.io/examples/AI/styletransfer/pkg/graph"
)

// tensor is a compiled layer: its definition, its output buffer and its bound parameters.
type tensor struct {
	layer  graph.Layer
	output *engine.Buffer

	// params holds one slice per layer tensor, aliasing the engine's weight copy.
	params [][]float32
	inputs []*engine.Buffer
}

var _ engine.Node = (*tensor)(nil)

func (t *tensor) NodeName() string {
	return t.layer.Name
}

func (t *tensor) Dependencies() []string {
	return t.layer.Inputs
}

func (t *tensor) param(slot int) []float32 {
	if slot >= len(t.params) {
		return nil
	}
	return t.params[slot]
}
