package engine

import (
	"context"
	"io"

	"k8s.io/examples/AI/styletransfer/pkg/graph"
)

// Engine executes a compiled layer graph. Implementations are not reentrant: Execute must
// not run concurrently with itself or with writes through ParameterStore.
type Engine interface {
	io.Closer
	ParameterStore

	// InputShape is the batch-1 shape Execute expects.
	InputShape() graph.Shape
	// Execute runs the graph to completion. The returned buffer is owned by the engine and
	// stays valid until the next Execute or Close.
	Execute(ctx context.Context, input *Buffer) (*Buffer, error)
	// Output returns the buffer of a named layer from the last Execute.
	Output(name string) (*Buffer, error)
}

// ParameterStore exposes the live parameter storage of a compiled graph.
type ParameterStore interface {
	// Tensor returns the storage behind tensor slot of layer. Writes to the returned slice
	// take effect on the next Execute.
	Tensor(layer string, slot int) ([]float32, error)
}

// Node is the view of a layer BuildDAG needs.
type Node interface {
	NodeName() string
	Dependencies() []string
}
