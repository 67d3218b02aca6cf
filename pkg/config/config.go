// Package config loads the style transfer settings from HCL.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"k8s.io/examples/AI/styletransfer/pkg/stylegraph"
)

// Config is the complete style transfer configuration.
//
//	model   = "gs://bucket/models/style.stm"
//	styles  = ["${env.HOME}/styles/wave.png"]
//	variant = "compact32"
//
//	input_resolution {
//	  width  = 640
//	  height = 360
//	}
type Config struct {
	// Model is the URI of the model asset.
	Model    string `hcl:"model,optional"`
	CacheDir string `hcl:"cache_dir,optional"`

	Resolution            *Resolution `hcl:"input_resolution,block"`
	ForceBilinearUpsample bool        `hcl:"force_bilinear_upsample,optional"`
	Variant               string      `hcl:"variant,optional"`

	Pregamma  float64 `hcl:"pregamma,optional"`
	Postgamma float64 `hcl:"postgamma,optional"`
	ColorBias float64 `hcl:"color_bias,optional"`

	ShowStylePreview bool     `hcl:"show_style_preview,optional"`
	ActiveStyleIndex int      `hcl:"active_style,optional"`
	Styles           []string `hcl:"styles,optional"`
	// StyleSize overrides the resolution style images are resized to before prediction.
	StyleSize int `hcl:"style_size,optional"`

	// Parallelism bounds the goroutines used by convolutions. Zero uses every CPU.
	Parallelism int `hcl:"parallelism,optional"`

	Topology *Topology `hcl:"topology,block"`
}

type Resolution struct {
	Width  int `hcl:"width"`
	Height int `hcl:"height"`
}

// Topology overrides the layer naming of the model.
type Topology struct {
	EncoderPrefix  string `hcl:"encoder_prefix,optional"`
	TransferPrefix string `hcl:"transfer_prefix,optional"`
	FrameInput     string `hcl:"frame_input,optional"`
	StyleInput     string `hcl:"style_input,optional"`
	OutputAdd      string `hcl:"output_add,optional"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Resolution: &Resolution{Width: 640, Height: 360},
		Variant:    stylegraph.VariantReference.String(),
		Pregamma:   2.2,
		Postgamma:  2.2,
	}
}

// LoadFile parses an HCL configuration file over the defaults.
func LoadFile(path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	return Parse(src, path)
}

// Parse decodes HCL source over the defaults. Expressions can read environment variables
// as env.NAME.
func Parse(src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	c := Default()
	resolution := c.Resolution
	c.Resolution = nil

	diags = gohcl.DecodeBody(file.Body, evalContext(), c)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}
	if c.Resolution == nil {
		c.Resolution = resolution
	}
	return c, nil
}

func evalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if ok && name != "" {
			env[name] = cty.StringVal(value)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(env),
		},
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Resolution == nil || c.Resolution.Width <= 0 || c.Resolution.Height <= 0 {
		errs = append(errs, fmt.Errorf("input_resolution must have a positive width and height"))
	}
	if !(c.Pregamma > 0) {
		errs = append(errs, fmt.Errorf("pregamma must be positive, got %v", c.Pregamma))
	}
	if !(c.Postgamma > 0) {
		errs = append(errs, fmt.Errorf("postgamma must be positive, got %v", c.Postgamma))
	}
	if _, err := stylegraph.ParseVariant(c.Variant); err != nil {
		errs = append(errs, err)
	}
	if c.StyleSize < 0 {
		errs = append(errs, fmt.Errorf("style_size must not be negative, got %d", c.StyleSize))
	}
	if c.Parallelism < 0 {
		errs = append(errs, fmt.Errorf("parallelism must not be negative, got %d", c.Parallelism))
	}
	return errors.Join(errs...)
}

// HasActiveStyle reports whether ActiveStyleIndex selects one of Styles.
func (c *Config) HasActiveStyle() bool {
	return c.ActiveStyleIndex >= 0 && c.ActiveStyleIndex < len(c.Styles)
}

// RuntimeOptions returns the transfer graph options described by c.
func (c *Config) RuntimeOptions() (stylegraph.Options, error) {
	variant, err := stylegraph.ParseVariant(c.Variant)
	if err != nil {
		return stylegraph.Options{}, err
	}
	opts := stylegraph.Options{
		ForceBilinear: c.ForceBilinearUpsample,
		Variant:       variant,
		Topology:      c.topology(),
	}
	if c.Resolution != nil {
		opts.Width, opts.Height = c.Resolution.Width, c.Resolution.Height
	}
	return opts, nil
}

// PredictionOptions returns the encoder graph options described by c.
func (c *Config) PredictionOptions() stylegraph.PredictionOptions {
	return stylegraph.PredictionOptions{Topology: c.topology(), StyleSize: c.StyleSize}
}

func (c *Config) topology() stylegraph.Topology {
	if c.Topology == nil {
		return stylegraph.DefaultTopology
	}
	return stylegraph.Topology{
		EncoderPrefix:  c.Topology.EncoderPrefix,
		TransferPrefix: c.Topology.TransferPrefix,
		FrameInput:     c.Topology.FrameInput,
		StyleInput:     c.Topology.StyleInput,
		OutputAdd:      c.Topology.OutputAdd,
	}.WithDefaults()
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	out := *c
	out.Styles = append([]string(nil), c.Styles...)
	if c.Resolution != nil {
		r := *c.Resolution
		out.Resolution = &r
	}
	if c.Topology != nil {
		t := *c.Topology
		out.Topology = &t
	}
	return &out
}
