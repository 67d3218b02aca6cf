package stylegraph

import (
	"fmt"
	"strings"

	"k8s.io/examples/AI/styletransfer/pkg/graph"
)

// Topology names the parts of a raw two-subnetwork model.
type Topology struct {
	// EncoderPrefix and TransferPrefix select the layers of the style encoder and of the
	// per-frame transfer network by name.
	EncoderPrefix  string
	TransferPrefix string

	FrameInput string
	StyleInput string

	// OutputAdd names the clamp-to-output-range Add. When empty the last Add is used.
	OutputAdd string
}

// DefaultTopology matches the layer names of the published models.
var DefaultTopology = Topology{
	EncoderPrefix:  "style_predict/",
	TransferPrefix: "style_transfer/",
	FrameInput:     "frame",
	StyleInput:     "style",
}

// WithDefaults fills empty fields from DefaultTopology.
func (t Topology) WithDefaults() Topology {
	if t.EncoderPrefix == "" {
		t.EncoderPrefix = DefaultTopology.EncoderPrefix
	}
	if t.TransferPrefix == "" {
		t.TransferPrefix = DefaultTopology.TransferPrefix
	}
	if t.FrameInput == "" {
		t.FrameInput = DefaultTopology.FrameInput
	}
	if t.StyleInput == "" {
		t.StyleInput = DefaultTopology.StyleInput
	}
	return t
}

func (t Topology) isEncoder(l *graph.Layer) bool {
	return strings.HasPrefix(l.Name, t.EncoderPrefix)
}

func (t Topology) isTransfer(l *graph.Layer) bool {
	return strings.HasPrefix(l.Name, t.TransferPrefix)
}

// Variant selects between the published model sizes.
type Variant int

const (
	VariantReference Variant = iota
	VariantCompact32
)

// ParseVariant accepts "reference" and "compact32".
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(s) {
	case "", "reference":
		return VariantReference, nil
	case "compact32":
		return VariantCompact32, nil
	}
	return 0, fmt.Errorf("unknown model variant %q (expected reference or compact32)", s)
}

func (v Variant) String() string {
	switch v {
	case VariantReference:
		return "reference"
	case VariantCompact32:
		return "compact32"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// removeLayers drops every layer matching drop and every declared output it produced.
func removeLayers(g *graph.LayerGraph, drop func(l *graph.Layer) bool) {
	var indices []int
	removed := make(map[string]bool)
	for i := range g.Layers {
		if drop(&g.Layers[i]) {
			indices = append(indices, i)
			removed[g.Layers[i].Name] = true
		}
	}
	g.RemoveAt(indices...)

	outputs := g.Outputs[:0]
	for _, out := range g.Outputs {
		if !removed[out] {
			outputs = append(outputs, out)
		}
	}
	g.Outputs = outputs
}

// bypassInputNormalization removes every InputNormalize layer, rewiring its consumers to
// its producer. The engines are fed images already scaled to [0,1].
func bypassInputNormalization(g *graph.LayerGraph) error {
	for i := 0; i < len(g.Layers); {
		if g.Layers[i].Kind != graph.KindInputNormalize {
			i++
			continue
		}
		if err := g.Bypass(i); err != nil {
			return err
		}
	}
	return nil
}

// removeInput drops a declared input.
func removeInput(g *graph.LayerGraph, name string) {
	inputs := g.Inputs[:0]
	for _, in := range g.Inputs {
		if in.Name != name {
			inputs = append(inputs, in)
		}
	}
	g.Inputs = inputs
}

// unusedInputs returns the declared inputs no layer reads.
func unusedInputs(g *graph.LayerGraph) []string {
	var unused []string
	for _, in := range g.Inputs {
		if len(g.Consumers(in.Name)) == 0 {
			unused = append(unused, in.Name)
		}
	}
	return unused
}

// setSpatial overrides the height and width of a declared input and makes its batch dynamic.
func setSpatial(g *graph.LayerGraph, name string, height, width int) error {
	in, ok := g.Input(name)
	if !ok {
		return graph.Mismatchf(name, "graph has no input %q", name)
	}
	if height <= 0 || width <= 0 {
		return fmt.Errorf("invalid input resolution %dx%d", width, height)
	}
	in.Shape = []int{-1, height, width, 3}
	return nil
}

// checkShapes validates g and re-derives its shapes.
func checkShapes(g *graph.LayerGraph) (map[string]graph.Shape, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return graph.InferShapes(g, 1)
}
