package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/examples/AI/styletransfer/pkg/graph"
)

// Field numbers of the model asset messages.
//
//	Model  { 1: Input inputs; 2: string outputs; 3: Layer layers; 4: bytes weights; 5: string producer }
//	Input  { 1: string name; 2: packed int64 shape }
//	Layer  { 1: name; 2: op_type; 3: inputs; 4: packed pad; 5: stride; 6: packed pool;
//	         7: activation; 8: sampling; 9: begin; 10: end; 11: min; 12: max; 13: alpha;
//	         14: epsilon; 15: Tensor tensors; 16: packed crop }
//	Tensor { 1: name; 2: packed int64 shape; 3: offset; 4: length }
const (
	modelInputs   protowire.Number = 1
	modelOutputs  protowire.Number = 2
	modelLayers   protowire.Number = 3
	modelWeights  protowire.Number = 4
	modelProducer protowire.Number = 5

	inputName  protowire.Number = 1
	inputShape protowire.Number = 2

	layerName       protowire.Number = 1
	layerOpType     protowire.Number = 2
	layerInputs     protowire.Number = 3
	layerPad        protowire.Number = 4
	layerStride     protowire.Number = 5
	layerPool       protowire.Number = 6
	layerActivation protowire.Number = 7
	layerSampling   protowire.Number = 8
	layerBegin      protowire.Number = 9
	layerEnd        protowire.Number = 10
	layerMin        protowire.Number = 11
	layerMax        protowire.Number = 12
	layerAlpha      protowire.Number = 13
	layerEpsilon    protowire.Number = 14
	layerTensors    protowire.Number = 15
	layerCrop       protowire.Number = 16

	tensorName   protowire.Number = 1
	tensorShape  protowire.Number = 2
	tensorOffset protowire.Number = 3
	tensorLength protowire.Number = 4
)

// Producer is written into assets produced by Encode.
const Producer = "styletransfer"

// Decode parses a model asset into a raw layer graph and validates it.
func Decode(data []byte) (*graph.LayerGraph, error) {
	g := &graph.LayerGraph{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case modelInputs:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			in, err := decodeInput(v)
			if err != nil {
				return 0, err
			}
			g.Inputs = append(g.Inputs, in)
			return n, nil
		case modelOutputs:
			v, n := protowire.ConsumeString(b)
			if n >= 0 {
				g.Outputs = append(g.Outputs, v)
			}
			return n, nil
		case modelLayers:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			l, err := decodeLayer(v)
			if err != nil {
				return 0, err
			}
			g.Layers = append(g.Layers, l)
			return n, nil
		case modelWeights:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			if len(v)%4 != 0 {
				return 0, fmt.Errorf("weight blob of %d bytes is not a float32 array", len(v))
			}
			g.Weights = make([]float32, len(v)/4)
			for i := range g.Weights {
				g.Weights[i] = math.Float32frombits(binary.LittleEndian.Uint32(v[i*4:]))
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, asLoadError(err)
	}
	if err := g.Validate(); err != nil {
		return nil, asLoadError(err)
	}
	return g, nil
}

func asLoadError(err error) error {
	var loadErr *graph.LoadError
	if errors.As(err, &loadErr) {
		return loadErr
	}
	var mismatch *graph.GraphMismatchError
	if errors.As(err, &mismatch) {
		return &graph.LoadError{Layer: mismatch.Layer, Err: errors.New(mismatch.Reason)}
	}
	return &graph.LoadError{Err: err}
}

// walk calls fn for every field of a message. fn returns the number of bytes consumed
// from b, negative values being protowire error codes.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}

func decodeInput(data []byte) (graph.Input, error) {
	var in graph.Input
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case inputName:
			v, n := protowire.ConsumeString(b)
			in.Name = v
			return n, nil
		case inputShape:
			return consumeInts(typ, b, &in.Shape)
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return in, err
}

func decodeLayer(data []byte) (graph.Layer, error) {
	var l graph.Layer
	var opType string
	var pad, pool, crop []int
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case layerName:
			v, n := protowire.ConsumeString(b)
			l.Name = v
			return n, nil
		case layerOpType:
			v, n := protowire.ConsumeString(b)
			opType = v
			return n, nil
		case layerInputs:
			v, n := protowire.ConsumeString(b)
			if n >= 0 {
				l.Inputs = append(l.Inputs, v)
			}
			return n, nil
		case layerPad:
			return consumeInts(typ, b, &pad)
		case layerPool:
			return consumeInts(typ, b, &pool)
		case layerCrop:
			return consumeInts(typ, b, &crop)
		case layerStride, layerActivation, layerSampling, layerBegin, layerEnd:
			v, n := protowire.ConsumeVarint(b)
			x := int(int64(v))
			switch num {
			case layerStride:
				l.Stride = x
			case layerActivation:
				l.Activation = graph.Activation(x)
			case layerSampling:
				l.Sampling = graph.Sampling(x)
			case layerBegin:
				l.Begin = x
			case layerEnd:
				l.End = x
			}
			return n, nil
		case layerMin, layerMax, layerAlpha, layerEpsilon:
			v, n := protowire.ConsumeFixed32(b)
			f := math.Float32frombits(v)
			switch num {
			case layerMin:
				l.Min = f
			case layerMax:
				l.Max = f
			case layerAlpha:
				l.Alpha = f
			case layerEpsilon:
				l.Epsilon = f
			}
			return n, nil
		case layerTensors:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			t, err := decodeTensor(v)
			if err != nil {
				return 0, err
			}
			l.Tensors = append(l.Tensors, t)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return l, &graph.LoadError{Layer: l.Name, Err: err}
	}

	kind, err := graph.ParseKind(opType)
	if err != nil {
		return l, &graph.LoadError{Layer: l.Name, Err: err}
	}
	l.Kind = kind
	if err := fixed(pad, l.Pad[:], "pad"); err != nil {
		return l, &graph.LoadError{Layer: l.Name, Err: err}
	}
	if err := fixed(pool, l.Pool[:], "pool"); err != nil {
		return l, &graph.LoadError{Layer: l.Name, Err: err}
	}
	if err := fixed(crop, l.Crop[:], "crop"); err != nil {
		return l, &graph.LoadError{Layer: l.Name, Err: err}
	}
	return l, nil
}

func decodeTensor(data []byte) (graph.DataRef, error) {
	var t graph.DataRef
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case tensorName:
			v, n := protowire.ConsumeString(b)
			t.Name = v
			return n, nil
		case tensorShape:
			return consumeInts(typ, b, &t.Shape)
		case tensorOffset, tensorLength:
			v, n := protowire.ConsumeVarint(b)
			if num == tensorOffset {
				t.Offset = int(int64(v))
			} else {
				t.Length = int(int64(v))
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return t, err
}

// consumeInts reads a repeated integer field in either packed or unpacked encoding.
func consumeInts(typ protowire.Type, b []byte, dst *[]int) (int, error) {
	if typ == protowire.VarintType {
		v, n := protowire.ConsumeVarint(b)
		if n >= 0 {
			*dst = append(*dst, int(int64(v)))
		}
		return n, nil
	}
	packed, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return m, nil
		}
		*dst = append(*dst, int(int64(v)))
		packed = packed[m:]
	}
	return n, nil
}

func fixed(values []int, dst []int, field string) error {
	if len(values) == 0 {
		return nil
	}
	if len(values) != len(dst) {
		return fmt.Errorf("%s has %d values, expected %d", field, len(values), len(dst))
	}
	copy(dst, values)
	return nil
}

// Encode serialises a layer graph into the model asset format read by Decode.
func Encode(g *graph.LayerGraph) []byte {
	var b []byte
	for _, in := range g.Inputs {
		var m []byte
		m = protowire.AppendTag(m, inputName, protowire.BytesType)
		m = protowire.AppendString(m, in.Name)
		m = appendInts(m, inputShape, in.Shape)
		b = protowire.AppendTag(b, modelInputs, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	for _, out := range g.Outputs {
		b = protowire.AppendTag(b, modelOutputs, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	for i := range g.Layers {
		b = protowire.AppendTag(b, modelLayers, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeLayer(&g.Layers[i]))
	}
	weights := make([]byte, 4*len(g.Weights))
	for i, w := range g.Weights {
		binary.LittleEndian.PutUint32(weights[i*4:], math.Float32bits(w))
	}
	b = protowire.AppendTag(b, modelWeights, protowire.BytesType)
	b = protowire.AppendBytes(b, weights)
	b = protowire.AppendTag(b, modelProducer, protowire.BytesType)
	b = protowire.AppendString(b, Producer)
	return b
}

func encodeLayer(l *graph.Layer) []byte {
	var b []byte
	b = protowire.AppendTag(b, layerName, protowire.BytesType)
	b = protowire.AppendString(b, l.Name)
	b = protowire.AppendTag(b, layerOpType, protowire.BytesType)
	b = protowire.AppendString(b, l.Kind.OpType())
	for _, in := range l.Inputs {
		b = protowire.AppendTag(b, layerInputs, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	if l.Pad != [4]int{} {
		b = appendInts(b, layerPad, l.Pad[:])
	}
	if l.Pool != [2]int{} {
		b = appendInts(b, layerPool, l.Pool[:])
	}
	if l.Crop != [4]int{} {
		b = appendInts(b, layerCrop, l.Crop[:])
	}
	for _, f := range []struct {
		num protowire.Number
		v   int
	}{
		{layerStride, l.Stride},
		{layerActivation, int(l.Activation)},
		{layerSampling, int(l.Sampling)},
		{layerBegin, l.Begin},
		{layerEnd, l.End},
	} {
		if f.v != 0 {
			b = protowire.AppendTag(b, f.num, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(int64(f.v)))
		}
	}
	for _, f := range []struct {
		num protowire.Number
		v   float32
	}{
		{layerMin, l.Min},
		{layerMax, l.Max},
		{layerAlpha, l.Alpha},
		{layerEpsilon, l.Epsilon},
	} {
		if f.v != 0 {
			b = protowire.AppendTag(b, f.num, protowire.Fixed32Type)
			b = protowire.AppendFixed32(b, math.Float32bits(f.v))
		}
	}
	for _, t := range l.Tensors {
		var m []byte
		m = protowire.AppendTag(m, tensorName, protowire.BytesType)
		m = protowire.AppendString(m, t.Name)
		m = appendInts(m, tensorShape, t.Shape)
		m = protowire.AppendTag(m, tensorOffset, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(t.Offset))
		m = protowire.AppendTag(m, tensorLength, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(t.Length))
		b = protowire.AppendTag(b, layerTensors, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

func appendInts(b []byte, num protowire.Number, values []int) []byte {
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(int64(v)))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}
