package engine

import (
	"errors"
	"fmt"

	"k8s.io/examples/AI/styletransfer/pkg/graph"
)

// MaxBufferElements bounds a single buffer allocation.
const MaxBufferElements = 1 << 28

// Buffer is a batch-major NHWC float32 tensor.
type Buffer struct {
	Shape graph.Shape
	Data  []float32
}

// NewBuffer allocates a zeroed buffer.
func NewBuffer(shape graph.Shape) (*Buffer, error) {
	for _, d := range shape {
		if d <= 0 {
			return nil, &ResourceError{Err: fmt.Errorf("invalid buffer shape %v", shape)}
		}
	}
	size := shape.Size()
	if size > MaxBufferElements {
		return nil, &ResourceError{Err: fmt.Errorf("buffer shape %v needs %d elements, limit is %d", shape, size, MaxBufferElements)}
	}
	return &Buffer{Shape: shape, Data: make([]float32, size)}, nil
}

// Index returns the offset of element (n, y, x, c).
func (b *Buffer) Index(n, y, x, c int) int {
	return ((n*b.Shape[1]+y)*b.Shape[2]+x)*b.Shape[3] + c
}

// Pixel returns the channel vector at (n, y, x).
func (b *Buffer) Pixel(n, y, x int) []float32 {
	i := b.Index(n, y, x, 0)
	return b.Data[i : i+b.Shape[3]]
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool {
	return b.Data == nil
}

// Release drops the backing storage. Calling Release more than once is a no-op.
func (b *Buffer) Release() {
	if b == nil || b.Data == nil {
		return
	}
	b.Data = nil
}

// ErrBusy is returned when an engine is entered while an Execute is in flight.
var ErrBusy = errors.New("engine is executing")

// ErrClosed is returned by engines used after Close.
var ErrClosed = errors.New("engine is closed")

// ResourceError reports a buffer that could not be allocated.
type ResourceError struct {
	Name string
	Err  error
}

func (e *ResourceError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("allocating buffer: %v", e.Err)
	}
	return fmt.Sprintf("allocating buffer for %q: %v", e.Name, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// ShapeError reports an Execute input that does not match the compiled shape.
type ShapeError struct {
	Layer string
	Want  graph.Shape
	Got   graph.Shape
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape mismatch at %q: want %v, got %v", e.Layer, e.Want, e.Got)
}
