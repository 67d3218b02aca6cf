package graph

import "fmt"

// LoadError reports a missing or corrupt model asset.
type LoadError struct {
	// Layer is the offending layer, empty when the asset as a whole is unusable.
	Layer string
	Err   error
}

func (e *LoadError) Error() string {
	if e.Layer == "" {
		return fmt.Sprintf("loading model: %v", e.Err)
	}
	return fmt.Sprintf("loading model: layer %q: %v", e.Layer, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// GraphMismatchError reports a model whose topology does not match what a builder expects.
type GraphMismatchError struct {
	Layer  string
	Reason string
}

func (e *GraphMismatchError) Error() string {
	if e.Layer == "" {
		return "graph mismatch: " + e.Reason
	}
	return fmt.Sprintf("graph mismatch at %q: %s", e.Layer, e.Reason)
}

// Mismatchf builds a GraphMismatchError for the given layer.
func Mismatchf(layer string, format string, args ...any) error {
	return &GraphMismatchError{Layer: layer, Reason: fmt.Sprintf(format, args...)}
}
