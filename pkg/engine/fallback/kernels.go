package fallback

import (
	"math"

	"golang.org/x/sync/errgroup"
	"k8s.io/examples/AI/styletransfer/pkg/engine"
	"k8s.io/examples/AI/styletransfer/pkg/graph"
)

// conv2D computes a zero-padded NHWC convolution with [KH,KW,Cin,Cout] weights. Output rows
// are split across up to parallelism goroutines.
func conv2D(parallelism int, l *graph.Layer, kernel, bias []float32, in, out *engine.Buffer) error {
	k := l.Tensors[0].Shape
	kh, kw, cin, cout := k[0], k[1], k[2], k[3]
	stride := max(l.Stride, 1)
	inH, inW := in.Shape.H(), in.Shape.W()
	outH, outW := out.Shape.H(), out.Shape.W()

	rows := out.Shape.N() * outH
	chunk := max((rows+parallelism-1)/parallelism, 1)

	var g errgroup.Group
	g.SetLimit(parallelism)
	for start := 0; start < rows; start += chunk {
		end := min(start+chunk, rows)
		g.Go(func() error {
			for row := start; row < end; row++ {
				n, oy := row/outH, row%outH
				for ox := 0; ox < outW; ox++ {
					dst := out.Pixel(n, oy, ox)
					if len(bias) == cout {
						copy(dst, bias)
					} else {
						clear(dst)
					}
					for ky := 0; ky < kh; ky++ {
						iy := oy*stride + ky - l.Pad[0]
						if iy < 0 || iy >= inH {
							continue
						}
						for kx := 0; kx < kw; kx++ {
							ix := ox*stride + kx - l.Pad[1]
							if ix < 0 || ix >= inW {
								continue
							}
							src := in.Pixel(n, iy, ix)
							w := kernel[(ky*kw+kx)*cin*cout:]
							for ci, v := range src {
								if v == 0 {
									continue
								}
								wr := w[ci*cout : (ci+1)*cout]
								for co := range dst {
									dst[co] += v * wr[co]
								}
							}
						}
					}
					activate(l.Activation, dst)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// conv2DTranspose scatters each input pixel through the kernel. Padding offsets the input
// grid and Crop trims the output.
func conv2DTranspose(l *graph.Layer, kernel, bias []float32, in, out *engine.Buffer) {
	k := l.Tensors[0].Shape
	kh, kw, cin, cout := k[0], k[1], k[2], k[3]
	stride := max(l.Stride, 1)
	outH, outW := out.Shape.H(), out.Shape.W()

	for n := 0; n < out.Shape.N(); n++ {
		for y := 0; y < outH; y++ {
			for x := 0; x < outW; x++ {
				dst := out.Pixel(n, y, x)
				if len(bias) == cout {
					copy(dst, bias)
				} else {
					clear(dst)
				}
			}
		}
		for iy := 0; iy < in.Shape.H(); iy++ {
			for ix := 0; ix < in.Shape.W(); ix++ {
				src := in.Pixel(n, iy, ix)
				for ky := 0; ky < kh; ky++ {
					oy := (iy+l.Pad[0])*stride + ky - l.Crop[0]
					if oy < 0 || oy >= outH {
						continue
					}
					for kx := 0; kx < kw; kx++ {
						ox := (ix+l.Pad[1])*stride + kx - l.Crop[1]
						if ox < 0 || ox >= outW {
							continue
						}
						dst := out.Pixel(n, oy, ox)
						w := kernel[(ky*kw+kx)*cin*cout:]
						for ci, v := range src {
							wr := w[ci*cout : (ci+1)*cout]
							for co := range dst {
								dst[co] += v * wr[co]
							}
						}
					}
				}
			}
		}
	}
	activate(l.Activation, out.Data)
}

// instanceNorm normalizes each channel of each image over its spatial extent, then applies
// the per-channel scale and bias and the fused activation.
func instanceNorm(l *graph.Layer, scale, bias []float32, in, out *engine.Buffer) {
	eps := float64(l.Epsilon)
	if eps == 0 {
		eps = 1e-5
	}
	c := in.Shape.C()
	pixels := in.Shape.H() * in.Shape.W()
	mean := make([]float64, c)
	variance := make([]float64, c)

	for n := 0; n < in.Shape.N(); n++ {
		clear(mean)
		clear(variance)
		base := n * pixels * c
		data := in.Data[base : base+pixels*c]
		for i, v := range data {
			mean[i%c] += float64(v)
		}
		for ch := range mean {
			mean[ch] /= float64(pixels)
		}
		for i, v := range data {
			d := float64(v) - mean[i%c]
			variance[i%c] += d * d
		}
		for ch := range variance {
			variance[ch] = 1 / math.Sqrt(variance[ch]/float64(pixels)+eps)
		}
		dst := out.Data[base : base+pixels*c]
		for i, v := range data {
			ch := i % c
			dst[i] = float32((float64(v)-mean[ch])*variance[ch])*scale[ch] + bias[ch]
		}
		activate(l.Activation, dst)
	}
}

func activate(a graph.Activation, data []float32) {
	switch a {
	case graph.ActivationReLU:
		for i, v := range data {
			if v < 0 {
				data[i] = 0
			}
		}
	case graph.ActivationSigmoid:
		for i, v := range data {
			data[i] = float32(1 / (1 + math.Exp(-float64(v))))
		}
	case graph.ActivationTanh:
		for i, v := range data {
			data[i] = float32(math.Tanh(float64(v)))
		}
	}
}

func upsample(l *graph.Layer, in, out *engine.Buffer) {
	inH, inW := in.Shape.H(), in.Shape.W()
	fy := float64(out.Shape.H()) / float64(inH)
	fx := float64(out.Shape.W()) / float64(inW)

	for n := 0; n < out.Shape.N(); n++ {
		for y := 0; y < out.Shape.H(); y++ {
			for x := 0; x < out.Shape.W(); x++ {
				dst := out.Pixel(n, y, x)
				if l.Sampling != graph.SamplingBilinear {
					copy(dst, in.Pixel(n, int(float64(y)/fy), int(float64(x)/fx)))
					continue
				}

				sy := math.Max((float64(y)+0.5)/fy-0.5, 0)
				sx := math.Max((float64(x)+0.5)/fx-0.5, 0)
				y0, x0 := min(int(sy), inH-1), min(int(sx), inW-1)
				y1, x1 := min(y0+1, inH-1), min(x0+1, inW-1)
				wy, wx := float32(sy-float64(y0)), float32(sx-float64(x0))

				p00, p01 := in.Pixel(n, y0, x0), in.Pixel(n, y0, x1)
				p10, p11 := in.Pixel(n, y1, x0), in.Pixel(n, y1, x1)
				for c := range dst {
					top := p00[c] + (p01[c]-p00[c])*wx
					bottom := p10[c] + (p11[c]-p10[c])*wx
					dst[c] = top + (bottom-top)*wy
				}
			}
		}
	}
}

// reflect mirrors i into [0, n) without repeating the edge.
func reflect(i, n int) int {
	if i < 0 {
		return -i
	}
	if i >= n {
		return 2*(n-1) - i
	}
	return i
}

func reflectPad(l *graph.Layer, in, out *engine.Buffer) {
	for n := 0; n < out.Shape.N(); n++ {
		for y := 0; y < out.Shape.H(); y++ {
			sy := reflect(y-l.Pad[0], in.Shape.H())
			for x := 0; x < out.Shape.W(); x++ {
				sx := reflect(x-l.Pad[1], in.Shape.W())
				copy(out.Pixel(n, y, x), in.Pixel(n, sy, sx))
			}
		}
	}
}

func stridedSlice(l *graph.Layer, in, out *engine.Buffer) {
	for n := 0; n < out.Shape.N(); n++ {
		for y := 0; y < out.Shape.H(); y++ {
			for x := 0; x < out.Shape.W(); x++ {
				copy(out.Pixel(n, y, x), in.Pixel(n, y, x)[l.Begin:l.End])
			}
		}
	}
}

// elementwise combines lhs with a second buffer, a constant tensor or the scalar Alpha, in
// that order of preference. A second buffer of spatial size 1x1 is broadcast per pixel.
func elementwise(l *graph.Layer, lhs, rhs *engine.Buffer, constant []float32, out *engine.Buffer) {
	op := binaryOp(l.Kind)
	c := lhs.Shape.C()

	switch {
	case rhs != nil && rhs.Shape == lhs.Shape:
		for i, v := range lhs.Data {
			out.Data[i] = op(v, rhs.Data[i])
		}
	case rhs != nil:
		pixels := lhs.Shape.H() * lhs.Shape.W()
		for n := 0; n < lhs.Shape.N(); n++ {
			b := rhs.Pixel(n%rhs.Shape.N(), 0, 0)
			base := n * pixels * c
			for i := base; i < base+pixels*c; i++ {
				out.Data[i] = op(lhs.Data[i], b[(i-base)%c])
			}
		}
	case len(constant) == c:
		for i, v := range lhs.Data {
			out.Data[i] = op(v, constant[i%c])
		}
	case len(constant) == 1:
		for i, v := range lhs.Data {
			out.Data[i] = op(v, constant[0])
		}
	default:
		for i, v := range lhs.Data {
			out.Data[i] = op(v, l.Alpha)
		}
	}
}

func binaryOp(kind graph.Kind) func(a, b float32) float32 {
	switch kind {
	case graph.KindSub:
		return func(a, b float32) float32 { return a - b }
	case graph.KindMul:
		return func(a, b float32) float32 { return a * b }
	case graph.KindDiv:
		return func(a, b float32) float32 { return a / b }
	default:
		return func(a, b float32) float32 { return a + b }
	}
}

func globalAvgPool(in, out *engine.Buffer) {
	pixels := float32(in.Shape.H() * in.Shape.W())
	for n := 0; n < in.Shape.N(); n++ {
		dst := out.Pixel(n, 0, 0)
		clear(dst)
		for y := 0; y < in.Shape.H(); y++ {
			for x := 0; x < in.Shape.W(); x++ {
				for c, v := range in.Pixel(n, y, x) {
					dst[c] += v
				}
			}
		}
		for c := range dst {
			dst[c] /= pixels
		}
	}
}
