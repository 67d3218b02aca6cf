package graph

// FoldReflectPads returns a copy of g without ReflectPad layers. Each pad amount is added
// to the padding of the convolution consuming the pad, and that convolution reads the
// pad's input directly.
//
// The consumer is resolved through edges. When a pad has no convolution consumer, the
// layer immediately following it in list order is used if it is a convolution, which is
// what exporters that write pads right before their convolution produce.
func FoldReflectPads(g *LayerGraph) (*LayerGraph, error) {
	out := g.Clone()
	for i := 0; i < len(out.Layers); {
		pad := &out.Layers[i]
		if pad.Kind != KindReflectPad {
			i++
			continue
		}
		if len(pad.Inputs) != 1 {
			return nil, Mismatchf(pad.Name, "reflect pad expects one input, has %d", len(pad.Inputs))
		}

		conv := -1
		consumers := out.Consumers(pad.Name)
		if len(consumers) == 1 && out.Layers[consumers[0]].Kind.IsConv() {
			conv = consumers[0]
		} else if len(consumers) == 0 && i+1 < len(out.Layers) && out.Layers[i+1].Kind.IsConv() {
			conv = i + 1
		}
		if conv < 0 {
			return nil, Mismatchf(pad.Name, "reflect pad is not followed by a convolution")
		}

		c := &out.Layers[conv]
		for j := range c.Pad {
			c.Pad[j] += pad.Pad[j]
		}
		name, source := pad.Name, pad.Inputs[0]
		for j, in := range c.Inputs {
			if in == name {
				c.Inputs[j] = source
			}
		}
		if len(consumers) == 0 && len(c.Inputs) > 0 {
			c.Inputs[0] = source
		}
		out.RemoveAt(i)
	}
	return out, nil
}

// Identity returns scale and bias placeholders for a channels-wide identity transform.
func Identity(channels int) (scale, bias []float32) {
	scale = make([]float32, channels)
	for i := range scale {
		scale[i] = 1
	}
	return scale, make([]float32, channels)
}

// SetNormalizationStorage replaces the scale/bias of the normalization at index i with
// fresh storage holding identity values, dropping any tensor inputs beyond the first.
func (g *LayerGraph) SetNormalizationStorage(i int, channels int) {
	l := &g.Layers[i]
	scale, bias := Identity(channels)
	l.Tensors = []DataRef{
		g.AppendData(l.Name+"/scale", []int{channels}, scale),
		g.AppendData(l.Name+"/bias", []int{channels}, bias),
	}
	l.Inputs = l.Inputs[:1]
}
