package stylegraph_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"k8s.io/examples/AI/styletransfer/pkg/engine"
	"k8s.io/examples/AI/styletransfer/pkg/engine/fallback"
	"k8s.io/examples/AI/styletransfer/pkg/graph"
	"k8s.io/examples/AI/styletransfer/pkg/model"
	"k8s.io/examples/AI/styletransfer/pkg/stylegraph"
)

func referenceGraph(t *testing.T) *graph.LayerGraph {
	t.Helper()
	g, err := model.ReferenceNetwork(model.ReferenceOptions{Channels: 4, FrameSize: 32, StyleSize: 16})
	if err != nil {
		t.Fatalf("failed to build reference network: %v", err)
	}
	return g
}

func TestTapCountMatchesPatchable(t *testing.T) {
	raw := referenceGraph(t)

	encoder, err := stylegraph.BuildPrediction(raw, stylegraph.PredictionOptions{})
	if err != nil {
		t.Fatalf("failed to build encoder: %v", err)
	}
	transfer, err := stylegraph.BuildRuntime(raw, stylegraph.Options{Height: 24, Width: 40})
	if err != nil {
		t.Fatalf("failed to build transfer graph: %v", err)
	}

	if got, want := len(encoder.Taps), 2*len(transfer.Patchable); got != want {
		t.Errorf("tap count %d, want %d", got, want)
	}
	wantPatchable := []string{"style_transfer/norm1", "style_transfer/norm2", "style_transfer/res_norm"}
	if diff := cmp.Diff(wantPatchable, transfer.Patchable); diff != "" {
		t.Errorf("unexpected patchable layers (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(encoder.Taps, encoder.Graph.Outputs); diff != "" {
		t.Errorf("taps are not the encoder outputs (-want +got):\n%s", diff)
	}
}

func TestOddTapCount(t *testing.T) {
	raw := referenceGraph(t)
	raw.Layers = append(raw.Layers, graph.Layer{
		Name:   "style_params/extra",
		Kind:   graph.KindStridedSlice,
		Inputs: []string{"style_predict/bottleneck"},
		Begin:  0,
		End:    1,
	})

	_, err := stylegraph.BuildPrediction(raw, stylegraph.PredictionOptions{})
	var mismatch *graph.GraphMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected GraphMismatchError, got %v", err)
	}
	if mismatch.Layer != "style_params/extra" {
		t.Errorf("expected error to name the last tap, got %q", mismatch.Layer)
	}
}

func TestNoTaps(t *testing.T) {
	g, err := model.NewBuilder().
		Input("style", -1, 8, 8, 3).
		Conv("style_predict/conv", "style", 4, 3, 1, 1).
		Output("style_predict/conv").
		Build()
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}
	_, err = stylegraph.BuildPrediction(g, stylegraph.PredictionOptions{})
	var mismatch *graph.GraphMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected GraphMismatchError, got %v", err)
	}
}

func TestRuntimeTransformation(t *testing.T) {
	raw := referenceGraph(t)
	transfer, err := stylegraph.BuildRuntime(raw, stylegraph.Options{Height: 24, Width: 40})
	if err != nil {
		t.Fatalf("failed to build transfer graph: %v", err)
	}
	g := transfer.Graph

	for _, l := range g.Layers {
		switch l.Kind {
		case graph.KindInputNormalize, graph.KindReflectPad, graph.KindStridedSlice:
			t.Errorf("layer %s should have been removed", l.String())
		}
		if strings.HasPrefix(l.Name, "style_predict/") {
			t.Errorf("encoder layer %q left in transfer graph", l.Name)
		}
	}

	for _, name := range []string{"style_transfer/conv1", "style_transfer/conv2"} {
		l, ok := g.Layer(name)
		if !ok {
			t.Fatalf("layer %q missing", name)
		}
		if want := [4]int{1, 1, 1, 1}; l.Pad != want {
			t.Errorf("%s padding %v, want %v", name, l.Pad, want)
		}
	}

	conv1, _ := g.Layer("style_transfer/conv1")
	if diff := cmp.Diff([]string{"style_transfer/center"}, conv1.Inputs); diff != "" {
		t.Errorf("first convolution should read the centered frame (-want +got):\n%s", diff)
	}

	norm1, _ := g.Layer("style_transfer/norm1")
	if norm1.Activation != graph.ActivationReLU {
		t.Errorf("norm1 activation %v, want ReLU", norm1.Activation)
	}
	if len(norm1.Inputs) != 1 {
		t.Errorf("norm1 should have lost its tap inputs, has %v", norm1.Inputs)
	}
	if _, ok := g.Layer("style_transfer/relu1"); ok {
		t.Errorf("relu1 should have been fused")
	}
	conv2, _ := g.Layer("style_transfer/conv2")
	if diff := cmp.Diff([]string{"style_transfer/norm1"}, conv2.Inputs); diff != "" {
		t.Errorf("conv2 should read the fused normalization (-want +got):\n%s", diff)
	}

	// res_norm has no ReLU and keeps its identity activation.
	resNorm, _ := g.Layer("style_transfer/res_norm")
	if resNorm.Activation != graph.ActivationNone {
		t.Errorf("res_norm activation %v, want None", resNorm.Activation)
	}

	if transfer.Output != "style_transfer/sigmoid" {
		t.Errorf("output %q, want %q", transfer.Output, "style_transfer/sigmoid")
	}
	if diff := cmp.Diff([]string{"style_transfer/sigmoid"}, g.Outputs); diff != "" {
		t.Errorf("unexpected outputs (-want +got):\n%s", diff)
	}
	if last := g.Layers[len(g.Layers)-1].Name; last != "style_transfer/sigmoid" {
		t.Errorf("last layer %q, want the output", last)
	}

	if diff := cmp.Diff([]graph.Input{{Name: "frame", Shape: []int{-1, 24, 40, 3}}}, g.Inputs); diff != "" {
		t.Errorf("unexpected inputs (-want +got):\n%s", diff)
	}

	for _, name := range transfer.Patchable {
		l, _ := g.Layer(name)
		scale, bias := g.Data(l.Tensors[0]), g.Data(l.Tensors[1])
		conv, err := g.LastConv(g.Index(name))
		if err != nil {
			t.Fatalf("no convolution for %q: %v", name, err)
		}
		channels, _ := conv.OutputChannels()
		if len(scale) != channels || len(bias) != channels {
			t.Errorf("%s placeholder sizes %d/%d, want %d", name, len(scale), len(bias), channels)
		}
	}
}

func TestRawGraphIsNotModified(t *testing.T) {
	raw := referenceGraph(t)
	before := raw.Clone()

	if _, err := stylegraph.BuildPrediction(raw, stylegraph.PredictionOptions{StyleSize: 8}); err != nil {
		t.Fatalf("failed to build encoder: %v", err)
	}
	if _, err := stylegraph.BuildRuntime(raw, stylegraph.Options{Height: 16, Width: 16, Variant: stylegraph.VariantCompact32}); err != nil {
		t.Fatalf("failed to build transfer graph: %v", err)
	}
	if diff := cmp.Diff(before, raw); diff != "" {
		t.Errorf("builders modified the raw graph (-before +after):\n%s", diff)
	}
}

func TestUpsampleSampling(t *testing.T) {
	raw := referenceGraph(t)
	grid := []struct {
		name  string
		opts  stylegraph.Options
		wants graph.Sampling
	}{
		{"reference", stylegraph.Options{Variant: stylegraph.VariantReference}, graph.SamplingNearest},
		{"forced", stylegraph.Options{Variant: stylegraph.VariantReference, ForceBilinear: true}, graph.SamplingBilinear},
		{"compact32", stylegraph.Options{Variant: stylegraph.VariantCompact32}, graph.SamplingBilinear},
	}
	for _, tc := range grid {
		t.Run(tc.name, func(t *testing.T) {
			tc.opts.Height, tc.opts.Width = 16, 16
			transfer, err := stylegraph.BuildRuntime(raw, tc.opts)
			if err != nil {
				t.Fatalf("failed to build transfer graph: %v", err)
			}
			up, ok := transfer.Graph.Layer("style_transfer/upsample")
			if !ok {
				t.Fatalf("upsample layer missing")
			}
			if up.Sampling != tc.wants {
				t.Errorf("sampling %v, want %v", up.Sampling, tc.wants)
			}
			if up.Pool != [2]int{2, 2} {
				t.Errorf("pool %v, want 2x2", up.Pool)
			}
		})
	}
}

func TestMissingOutputAnchor(t *testing.T) {
	raw := referenceGraph(t)

	t.Run("named anchor", func(t *testing.T) {
		_, err := stylegraph.BuildRuntime(raw, stylegraph.Options{
			Height: 16, Width: 16,
			Topology: stylegraph.Topology{OutputAdd: "style_transfer/missing"},
		})
		var mismatch *graph.GraphMismatchError
		if !errors.As(err, &mismatch) {
			t.Fatalf("expected GraphMismatchError, got %v", err)
		}
	})

	t.Run("short tail", func(t *testing.T) {
		g := raw.Clone()
		g.Layers = g.Layers[:len(g.Layers)-2]
		g.Outputs = []string{g.Layers[len(g.Layers)-1].Name}
		_, err := stylegraph.BuildRuntime(g, stylegraph.Options{Height: 16, Width: 16})
		var mismatch *graph.GraphMismatchError
		if !errors.As(err, &mismatch) {
			t.Fatalf("expected GraphMismatchError, got %v", err)
		}
		if mismatch.Layer != "style_transfer/add_bias" {
			t.Errorf("expected error to name the output Add, got %q", mismatch.Layer)
		}
	})
}

func TestListOrderFallback(t *testing.T) {
	raw := referenceGraph(t)
	for i := range raw.Layers {
		if raw.Layers[i].Kind == graph.KindNormalization {
			raw.Layers[i].Inputs = raw.Layers[i].Inputs[:1]
		}
	}

	transfer, err := stylegraph.BuildRuntime(raw, stylegraph.Options{Height: 16, Width: 16})
	if err != nil {
		t.Fatalf("failed to build transfer graph: %v", err)
	}
	if got := len(transfer.Patchable); got != 3 {
		t.Errorf("found %d patchable layers, want 3", got)
	}
}

func TestCompiledGraphsExecute(t *testing.T) {
	ctx := context.Background()
	raw := referenceGraph(t)

	encoder, err := stylegraph.BuildPrediction(raw, stylegraph.PredictionOptions{})
	if err != nil {
		t.Fatalf("failed to build encoder: %v", err)
	}
	transfer, err := stylegraph.BuildRuntime(raw, stylegraph.Options{Height: 20, Width: 28})
	if err != nil {
		t.Fatalf("failed to build transfer graph: %v", err)
	}

	encoderEngine, err := fallback.Compile(ctx, encoder.Graph, fallback.Options{})
	if err != nil {
		t.Fatalf("failed to compile encoder: %v", err)
	}
	defer encoderEngine.Close()

	style, _ := engine.NewBuffer(encoderEngine.InputShape())
	for i := range style.Data {
		style.Data[i] = float32(i%7) / 7
	}
	taps, err := engine.Evaluate(ctx, encoderEngine, style, encoder.Taps)
	if err != nil {
		t.Fatalf("failed to run encoder: %v", err)
	}
	if len(taps) != len(encoder.Taps) {
		t.Fatalf("got %d tap values, want %d", len(taps), len(encoder.Taps))
	}

	transferEngine, err := fallback.Compile(ctx, transfer.Graph, fallback.Options{})
	if err != nil {
		t.Fatalf("failed to compile transfer graph: %v", err)
	}
	defer transferEngine.Close()

	frame, _ := engine.NewBuffer(transferEngine.InputShape())
	out, err := transferEngine.Execute(ctx, frame)
	if err != nil {
		t.Fatalf("failed to run transfer graph: %v", err)
	}
	if want := (graph.Shape{1, 20, 28, 3}); out.Shape != want {
		t.Errorf("output shape %v, want %v", out.Shape, want)
	}
	for _, v := range out.Data {
		if v < 0 || v > 1 {
			t.Fatalf("sigmoid output %v outside [0,1]", v)
		}
	}
}

func TestInputCentering(t *testing.T) {
	raw := referenceGraph(t)
	grid := []struct {
		variant   stylegraph.Variant
		conv1     []string
		centering bool
	}{
		{stylegraph.VariantReference, []string{"style_transfer/center"}, true},
		{stylegraph.VariantCompact32, []string{"frame"}, false},
	}
	for _, tc := range grid {
		t.Run(tc.variant.String(), func(t *testing.T) {
			transfer, err := stylegraph.BuildRuntime(raw, stylegraph.Options{Height: 16, Width: 16, Variant: tc.variant})
			if err != nil {
				t.Fatalf("failed to build transfer graph: %v", err)
			}
			g := transfer.Graph

			conv1, ok := g.Layer("style_transfer/conv1")
			if !ok {
				t.Fatalf("conv1 missing")
			}
			if diff := cmp.Diff(tc.conv1, conv1.Inputs); diff != "" {
				t.Errorf("unexpected conv1 inputs (-want +got):\n%s", diff)
			}

			center, ok := g.Layer("style_transfer/center")
			if ok != tc.centering {
				t.Fatalf("centering layer present = %v, want %v", ok, tc.centering)
			}
			if ok {
				if diff := cmp.Diff([]string{"frame"}, center.Inputs); diff != "" {
					t.Errorf("centering should read the frame (-want +got):\n%s", diff)
				}
				if center.Kind != graph.KindSub || center.Alpha != 0.5 {
					t.Errorf("unexpected centering layer %s", center.String())
				}
			}
		})
	}
}

// exampleGraph is a minimal two-subnetwork model whose frame normalization carries no
// transfer prefix.
func exampleGraph(t *testing.T) *graph.LayerGraph {
	t.Helper()
	g, err := model.NewBuilder().
		Input("style", -1, 8, 8, 3).
		Input("frame", -1, 8, 8, 3).
		Conv("style_predict/conv", "style", 16, 1, 1, 0).
		GlobalAvgPool("style_predict/pool", "style_predict/conv").
		InputNormalize("normalize", "frame", 255).
		ReflectPad("style_transfer/pad1", "normalize", 1).
		Conv("style_transfer/conv1", "style_transfer/pad1", 8, 3, 1, 0).
		ReflectPad("style_transfer/pad2", "style_transfer/conv1", 1).
		Conv("style_transfer/conv2", "style_transfer/pad2", 8, 3, 1, 0).
		Slice("style_params/scale_0", "style_predict/pool", 0, 8).
		Slice("style_params/bias_0", "style_predict/pool", 8, 16).
		Norm("style_transfer/norm", "style_transfer/conv2", "style_params/scale_0", "style_params/bias_0").
		Activation("style_transfer/relu", "style_transfer/norm", graph.ActivationReLU).
		Conv("style_transfer/out_conv", "style_transfer/relu", 3, 1, 1, 0).
		Scalar(graph.KindAdd, "style_transfer/add_bias", "style_transfer/out_conv", 0).
		Clip("style_transfer/clamp", "style_transfer/add_bias", 0, 1).
		Scalar(graph.KindMul, "style_transfer/to_range", "style_transfer/clamp", 255).
		Clip("style_transfer/clamp2", "style_transfer/to_range", 0, 255).
		Scalar(graph.KindDiv, "style_transfer/from_range", "style_transfer/clamp2", 255).
		Output("style_transfer/from_range").
		Build()
	if err != nil {
		t.Fatalf("failed to build example graph: %v", err)
	}
	return g
}

func TestExampleGraphTransformation(t *testing.T) {
	raw := exampleGraph(t)
	for _, variant := range []stylegraph.Variant{stylegraph.VariantReference, stylegraph.VariantCompact32} {
		t.Run(variant.String(), func(t *testing.T) {
			transfer, err := stylegraph.BuildRuntime(raw, stylegraph.Options{Height: 8, Width: 8, Variant: variant})
			if err != nil {
				t.Fatalf("failed to build transfer graph: %v", err)
			}
			g := transfer.Graph

			var names []string
			for _, l := range g.Layers {
				names = append(names, l.Name)
			}
			want := []string{
				"style_transfer/conv1",
				"style_transfer/conv2",
				"style_transfer/norm",
				"style_transfer/out_conv",
			}
			if diff := cmp.Diff(want, names); diff != "" {
				t.Errorf("unexpected layers (-want +got):\n%s", diff)
			}

			conv1, _ := g.Layer("style_transfer/conv1")
			if diff := cmp.Diff([]string{"frame"}, conv1.Inputs); diff != "" {
				t.Errorf("first convolution should read the frame (-want +got):\n%s", diff)
			}
			for _, name := range []string{"style_transfer/conv1", "style_transfer/conv2"} {
				l, _ := g.Layer(name)
				if want := [4]int{1, 1, 1, 1}; l.Pad != want {
					t.Errorf("%s padding %v, want %v", name, l.Pad, want)
				}
			}
			norm, _ := g.Layer("style_transfer/norm")
			if norm.Activation != graph.ActivationReLU {
				t.Errorf("norm activation %v, want ReLU", norm.Activation)
			}
			if diff := cmp.Diff([]string{"style_transfer/norm"}, transfer.Patchable); diff != "" {
				t.Errorf("unexpected patchable layers (-want +got):\n%s", diff)
			}
			if transfer.Output != "style_transfer/out_conv" {
				t.Errorf("output %q, want %q", transfer.Output, "style_transfer/out_conv")
			}
		})
	}
}
