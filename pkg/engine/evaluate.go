package engine

import (
	"context"
	"fmt"
)

// Evaluate executes e on input and copies the named layer outputs into plain arrays, in
// the order requested.
func Evaluate(ctx context.Context, e Engine, input *Buffer, outputs []string) ([][]float32, error) {
	if _, err := e.Execute(ctx, input); err != nil {
		return nil, err
	}

	results := make([][]float32, 0, len(outputs))
	for _, name := range outputs {
		buffer, err := e.Output(name)
		if err != nil {
			return nil, fmt.Errorf("reading output %q: %w", name, err)
		}
		results = append(results, append([]float32(nil), buffer.Data...))
	}
	return results, nil
}
