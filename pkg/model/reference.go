package model

import (
	"fmt"

	"k8s.io/examples/AI/styletransfer/pkg/graph"
)

// Layer name prefixes and input names used by ReferenceNetwork.
const (
	EncoderPrefix  = "style_predict/"
	TransferPrefix = "style_transfer/"
	ParamsPrefix   = "style_params/"

	FrameInput = "frame"
	StyleInput = "style"
)

// ReferenceOptions sizes the network produced by ReferenceNetwork.
type ReferenceOptions struct {
	// Channels is the width of the first transfer block; deeper blocks use twice as many.
	Channels int
	// FrameSize and StyleSize are the declared square input resolutions.
	FrameSize int
	StyleSize int
}

// DefaultReferenceOptions is small enough to run on a CPU at interactive rates.
var DefaultReferenceOptions = ReferenceOptions{Channels: 8, FrameSize: 128, StyleSize: 64}

// ReferenceNetwork builds a conditional style-transfer network in the layout exporters
// produce: the style encoder first, then the transfer network whose conditioned
// normalizations read scale and bias from StridedSlice taps of the encoder's bottleneck.
// Each pair of taps is written immediately before the normalization it feeds.
func ReferenceNetwork(opts ReferenceOptions) (*graph.LayerGraph, error) {
	c := opts.Channels
	if c <= 0 || opts.FrameSize <= 0 || opts.StyleSize <= 0 {
		return nil, fmt.Errorf("invalid reference network options %+v", opts)
	}

	// Conditioned normalization widths, in transfer order.
	conditioned := []int{c, 2 * c, 2 * c}
	params := 0
	for _, n := range conditioned {
		params += 2 * n
	}

	e := func(name string) string { return EncoderPrefix + name }
	t := func(name string) string { return TransferPrefix + name }

	b := NewBuilder().
		Input(FrameInput, -1, opts.FrameSize, opts.FrameSize, 3).
		Input(StyleInput, -1, opts.StyleSize, opts.StyleSize, 3)

	b.InputNormalize(e("normalize"), StyleInput, 255).
		ReflectPad(e("pad1"), e("normalize"), 1).
		Conv(e("conv1"), e("pad1"), c, 3, 2, 0).
		Activation(e("relu1"), e("conv1"), graph.ActivationReLU).
		Conv(e("conv2"), e("relu1"), 2*c, 3, 2, 1).
		Activation(e("relu2"), e("conv2"), graph.ActivationReLU).
		GlobalAvgPool(e("pool"), e("relu2")).
		Conv(e("bottleneck"), e("pool"), params, 1, 1, 0)

	offset := 0
	taps := func(i int) (string, string) {
		scale := fmt.Sprintf("%sscale_%d", ParamsPrefix, i)
		bias := fmt.Sprintf("%sbias_%d", ParamsPrefix, i)
		n := conditioned[i]
		b.Slice(scale, e("bottleneck"), offset, offset+n).
			Slice(bias, e("bottleneck"), offset+n, offset+2*n)
		offset += 2 * n
		return scale, bias
	}

	b.InputNormalize(t("normalize"), FrameInput, 255).
		Scalar(graph.KindSub, t("center"), t("normalize"), 0.5).
		ReflectPad(t("pad1"), t("center"), 1).
		Conv(t("conv1"), t("pad1"), c, 3, 1, 0)
	scale, bias := taps(0)
	b.Norm(t("norm1"), t("conv1"), scale, bias).
		Activation(t("relu1"), t("norm1"), graph.ActivationReLU).
		ReflectPad(t("pad2"), t("relu1"), 1).
		Conv(t("conv2"), t("pad2"), 2*c, 3, 2, 0)
	scale, bias = taps(1)
	b.Norm(t("norm2"), t("conv2"), scale, bias).
		Activation(t("relu2"), t("norm2"), graph.ActivationReLU).
		ReflectPad(t("res_pad"), t("relu2"), 1).
		Conv(t("res_conv"), t("res_pad"), 2*c, 3, 1, 0)
	scale, bias = taps(2)
	b.Norm(t("res_norm"), t("res_conv"), scale, bias).
		Binary(graph.KindAdd, t("res_add"), t("res_norm"), t("relu2")).
		Upsample(t("upsample"), t("res_add"), 2).
		ReflectPad(t("up_pad"), t("upsample"), 1).
		Conv(t("up_conv"), t("up_pad"), c, 3, 1, 0).
		Norm(t("up_norm"), t("up_conv")).
		Activation(t("up_relu"), t("up_norm"), graph.ActivationReLU).
		ReflectPad(t("out_pad"), t("up_relu"), 1).
		Conv(t("out_conv"), t("out_pad"), 3, 3, 1, 0).
		Activation(t("sigmoid"), t("out_conv"), graph.ActivationSigmoid).
		Scalar(graph.KindAdd, t("add_bias"), t("sigmoid"), 0).
		Clip(t("clamp"), t("add_bias"), 0, 1).
		Scalar(graph.KindMul, t("to_range"), t("clamp"), 255).
		Clip(t("clamp2"), t("to_range"), 0, 255).
		Scalar(graph.KindDiv, t("from_range"), t("clamp2"), 255).
		Output(t("from_range"))

	return b.Build()
}
