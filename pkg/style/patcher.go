package style

import (
	"fmt"

	"k8s.io/examples/AI/styletransfer/pkg/engine"
	"k8s.io/examples/AI/styletransfer/pkg/graph"
)

// Patch copies each pair into the scale (slot 0) and bias (slot 1) storage of the
// corresponding patchable layer. Nothing is written unless every layer accepts its pair.
// Patching with the same pairs again leaves the engine unchanged.
func Patch(store engine.ParameterStore, patchable []string, params []ParameterPair) error {
	if len(params) != len(patchable) {
		return graph.Mismatchf("", "%d parameter pairs for %d patchable layers", len(params), len(patchable))
	}

	type target struct {
		scale, bias []float32
	}
	targets := make([]target, len(patchable))
	for i, name := range patchable {
		scale, err := store.Tensor(name, 0)
		if err != nil {
			return fmt.Errorf("patching %q: %w", name, err)
		}
		bias, err := store.Tensor(name, 1)
		if err != nil {
			return fmt.Errorf("patching %q: %w", name, err)
		}
		if len(scale) != len(params[i].Scale) || len(bias) != len(params[i].Bias) {
			return graph.Mismatchf(name, "storage holds %d/%d values, parameters have %d/%d",
				len(scale), len(bias), len(params[i].Scale), len(params[i].Bias))
		}
		targets[i] = target{scale: scale, bias: bias}
	}

	for i, t := range targets {
		copy(t.scale, params[i].Scale)
		copy(t.bias, params[i].Bias)
	}
	return nil
}
