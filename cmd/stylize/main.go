package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"k8s.io/examples/AI/styletransfer/pkg/config"
	"k8s.io/examples/AI/styletransfer/pkg/model"
	"k8s.io/examples/AI/styletransfer/pkg/styletransfer"
	"k8s.io/klog/v2"
)

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := ""
	inputDir := ""
	outputDir := ""
	generateModel := ""
	activeStyle := -1

	klog.InitFlags(nil)
	flag.StringVar(&configPath, "config", configPath, "path to an HCL configuration file")
	flag.StringVar(&inputDir, "input", inputDir, "directory of PNG frames, processed in name order")
	flag.StringVar(&outputDir, "output", outputDir, "directory to write stylized frames to")
	flag.StringVar(&generateModel, "generate-model", generateModel, "write the reference network to this path and exit")
	flag.IntVar(&activeStyle, "style", activeStyle, "index of the style to apply, overriding the configuration")
	flag.Parse()

	log := klog.FromContext(ctx)

	if generateModel != "" {
		g, err := model.ReferenceNetwork(model.DefaultReferenceOptions)
		if err != nil {
			return fmt.Errorf("building reference network: %w", err)
		}
		if err := model.WriteFile(generateModel, g); err != nil {
			return err
		}
		log.Info("wrote reference network", "path", generateModel, "layers", len(g.Layers))
		return nil
	}

	if inputDir == "" || outputDir == "" {
		return fmt.Errorf("must specify -input and -output")
	}

	cfg := config.Default()
	if configPath != "" {
		c, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		cfg = c
	}
	if activeStyle >= 0 {
		cfg.ActiveStyleIndex = activeStyle
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	frames, err := listFrames(inputDir)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return fmt.Errorf("no PNG frames found in %q", inputDir)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("creating output directory %q: %w", outputDir, err)
	}

	c := styletransfer.New(cfg)
	defer c.Cleanup()
	if err := c.Setup(ctx); err != nil {
		return err
	}
	if !c.IsActive() {
		log.Info("no active style, frames will be copied unchanged")
	}

	// Output lags input by one frame, so each result is written under the name of the
	// frame it was computed from and the last frame is submitted twice to flush it.
	var previous string
	submit := func(p string) error {
		img, err := readPNG(p)
		if err != nil {
			return err
		}
		out := c.Render(ctx, img)
		if !c.IsActive() {
			return writePNG(filepath.Join(outputDir, filepath.Base(p)), out)
		}
		if previous != "" {
			if err := writePNG(filepath.Join(outputDir, filepath.Base(previous)), out); err != nil {
				return err
			}
		}
		previous = p
		return nil
	}
	for _, p := range frames {
		if err := submit(p); err != nil {
			return err
		}
	}
	if c.IsActive() {
		if err := submit(frames[len(frames)-1]); err != nil {
			return err
		}
	}

	log.Info("stylized frames", "count", len(frames), "output", outputDir, "encoderRuns", c.EncoderRuns())
	return nil
}

func listFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading input directory %q: %w", dir, err)
	}
	var frames []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".png") {
			continue
		}
		frames = append(frames, filepath.Join(dir, e.Name()))
	}
	slices.Sort(frames)
	return frames, nil
}

func readPNG(p string) (image.Image, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening frame %q: %w", p, err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding frame %q: %w", p, err)
	}
	return img, nil
}

func writePNG(p string, img image.Image) error {
	f, err := os.Create(p)
	if err != nil {
		return fmt.Errorf("creating %q: %w", p, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encoding %q: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %q: %w", p, err)
	}
	return nil
}
