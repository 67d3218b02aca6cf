package graph

import "fmt"

// Kind identifies the operation a layer performs.
type Kind int

const (
	KindConv2D Kind = iota
	KindConv2DTranspose
	KindNormalization
	KindActivation
	KindUpsample
	KindReflectPad
	KindStridedSlice
	KindAdd
	KindSub
	KindMul
	KindDiv
	KindClip
	KindInputNormalize
	KindGlobalAvgPool
)

// opTypes maps the op_type strings stored in model assets to layer kinds.
var opTypes = map[string]Kind{
	"Conv":                  KindConv2D,
	"ConvTranspose":         KindConv2DTranspose,
	"InstanceNormalization": KindNormalization,
	"Activation":            KindActivation,
	"Upsample":              KindUpsample,
	"ReflectPad":            KindReflectPad,
	"StridedSlice":          KindStridedSlice,
	"Add":                   KindAdd,
	"Sub":                   KindSub,
	"Mul":                   KindMul,
	"Div":                   KindDiv,
	"Clip":                  KindClip,
	"InputNormalize":        KindInputNormalize,
	"GlobalAveragePool":     KindGlobalAvgPool,
}

// ParseKind returns the kind for a model asset op_type.
func ParseKind(opType string) (Kind, error) {
	kind, ok := opTypes[opType]
	if !ok {
		return 0, fmt.Errorf("unknown op type %q", opType)
	}
	return kind, nil
}

// OpType is the inverse of ParseKind.
func (k Kind) OpType() string {
	for opType, kind := range opTypes {
		if kind == k {
			return opType
		}
	}
	return ""
}

func (k Kind) String() string {
	switch k {
	case KindConv2D:
		return "Conv2D"
	case KindConv2DTranspose:
		return "Conv2DTranspose"
	case KindNormalization:
		return "Normalization"
	case KindActivation:
		return "Activation"
	case KindUpsample:
		return "Upsample"
	case KindReflectPad:
		return "ReflectPad"
	case KindStridedSlice:
		return "StridedSlice"
	case KindAdd:
		return "Add"
	case KindSub:
		return "Sub"
	case KindMul:
		return "Mul"
	case KindDiv:
		return "Div"
	case KindClip:
		return "Clip"
	case KindInputNormalize:
		return "InputNormalize"
	case KindGlobalAvgPool:
		return "GlobalAvgPool"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// IsConv reports whether the kind belongs to the convolution family.
func (k Kind) IsConv() bool {
	return k == KindConv2D || k == KindConv2DTranspose
}

// IsElementwise reports whether the kind is a binary arithmetic op.
func (k Kind) IsElementwise() bool {
	switch k {
	case KindAdd, KindSub, KindMul, KindDiv:
		return true
	}
	return false
}

type Activation int

const (
	ActivationNone Activation = iota
	ActivationReLU
	ActivationSigmoid
	ActivationTanh
)

func (a Activation) String() string {
	switch a {
	case ActivationNone:
		return "None"
	case ActivationReLU:
		return "ReLU"
	case ActivationSigmoid:
		return "Sigmoid"
	case ActivationTanh:
		return "Tanh"
	default:
		return fmt.Sprintf("Activation(%d)", int(a))
	}
}

// Sampling selects the interpolation used by Upsample layers.
type Sampling int

const (
	SamplingNearest Sampling = iota
	SamplingBilinear
)

func (s Sampling) String() string {
	if s == SamplingBilinear {
		return "Bilinear"
	}
	return "Nearest"
}

// DataRef points at a slice of the graph's weight blob.
type DataRef struct {
	Name   string
	Shape  []int
	Offset int
	Length int
}

// Layer is one node of a LayerGraph. A layer produces exactly one tensor, named after the layer.
type Layer struct {
	Name   string
	Kind   Kind
	Inputs []string

	// Pad is top, left, bottom, right. For convolutions it is zero padding applied to
	// the input, for ReflectPad the reflected border.
	Pad [4]int
	// Crop is top, left, bottom, right trimmed from a transposed convolution's output.
	Crop   [4]int
	Stride int
	// Pool is the vertical and horizontal Upsample factor.
	Pool       [2]int
	Activation Activation
	Sampling   Sampling

	// Begin and End bound the channel range of a StridedSlice.
	Begin, End int
	// Min and Max bound a Clip.
	Min, Max float32
	// Alpha is the scalar operand of a single-input elementwise layer, or the input range
	// of an InputNormalize layer.
	Alpha   float32
	Epsilon float32

	Tensors []DataRef
}

// Clone returns a deep copy of the layer.
func (l Layer) Clone() Layer {
	out := l
	out.Inputs = append([]string(nil), l.Inputs...)
	if l.Tensors != nil {
		out.Tensors = make([]DataRef, len(l.Tensors))
		for i, t := range l.Tensors {
			t.Shape = append([]int(nil), t.Shape...)
			out.Tensors[i] = t
		}
	}
	return out
}

// OutputChannels returns the number of channels a convolution produces.
func (l *Layer) OutputChannels() (int, bool) {
	if !l.Kind.IsConv() || len(l.Tensors) == 0 {
		return 0, false
	}
	shape := l.Tensors[0].Shape
	if len(shape) != 4 {
		return 0, false
	}
	return shape[3], true
}

func (l *Layer) String() string {
	return fmt.Sprintf("%s(%s <- %v)", l.Kind, l.Name, l.Inputs)
}
