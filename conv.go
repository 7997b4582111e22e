package main

import (
	"fmt"
	"math/rand"
)

// Conv2D is a 2D convolution with valid padding.
//
// The kernel is stored flattened, one row per output channel:
//
//	Weight: (out, in*kh*kw)   row o = kernel for output channel o
//	Bias:   (out,)
//
// Forward lowers the image to columns (im2col) so the whole convolution is
// a single MatMul on the active backend:
//
//	cols:  (in*kh*kw, OH*OW)   column p = receptive field of output pixel p
//	out:   Weight @ cols + bias
//
// With kernel == stride (the patch embedding case) the receptive fields
// do not overlap, and each column is exactly one image patch.
type Conv2D struct {
	Weight *Tensor
	Bias   *Tensor

	InChannels, OutChannels int
	KernelH, KernelW        int
	Stride                  int
}

// NewConv2D creates a convolution with N(0, std²) kernels and zero bias.
func NewConv2D(in, out, kh, kw, stride int, rng *rand.Rand, std float64) *Conv2D {
	return &Conv2D{
		Weight:      NewTensorNormal(rng, std, out, in*kh*kw),
		Bias:        NewTensor(out),
		InChannels:  in,
		OutChannels: out,
		KernelH:     kh,
		KernelW:     kw,
		Stride:      stride,
	}
}

// OutputSize returns the spatial size produced for an (h, w) input.
func (c *Conv2D) OutputSize(h, w int) (oh, ow int) {
	return (h-c.KernelH)/c.Stride + 1, (w-c.KernelW)/c.Stride + 1
}

// Forward convolves img (C, H, W) and returns (out, OH, OW).
func (c *Conv2D) Forward(img *Tensor) (*Tensor, error) {
	if img.Dims() != 3 {
		return nil, fmt.Errorf("%w: conv input must be (C, H, W), got %v", ErrImageShape, img.shape)
	}
	channels, h, w := img.shape[0], img.shape[1], img.shape[2]
	if channels != c.InChannels {
		return nil, fmt.Errorf("%w: conv expects %d channels, got %d", ErrImageShape, c.InChannels, channels)
	}
	if h < c.KernelH || w < c.KernelW {
		return nil, fmt.Errorf("%w: image %dx%d smaller than kernel %dx%d", ErrImageShape, h, w, c.KernelH, c.KernelW)
	}

	oh, ow := c.OutputSize(h, w)
	cols := c.im2col(img, oh, ow)

	out := MatMul(c.Weight, cols)
	pixels := oh * ow
	for o := 0; o < c.OutChannels; o++ {
		b := c.Bias.data[o]
		row := out.data[o*pixels : (o+1)*pixels]
		for i := range row {
			row[i] += b
		}
	}

	return out.Reshape(c.OutChannels, oh, ow), nil
}

// im2col lays out every receptive field as a column of a
// (C*kh*kw, oh*ow) matrix. Rows follow the kernel's (c, ky, kx) order.
func (c *Conv2D) im2col(img *Tensor, oh, ow int) *Tensor {
	h, w := img.shape[1], img.shape[2]
	pixels := oh * ow
	cols := NewTensor(c.InChannels*c.KernelH*c.KernelW, pixels)

	row := 0
	for ch := 0; ch < c.InChannels; ch++ {
		plane := img.data[ch*h*w : (ch+1)*h*w]
		for ky := 0; ky < c.KernelH; ky++ {
			for kx := 0; kx < c.KernelW; kx++ {
				dst := cols.data[row*pixels : (row+1)*pixels]
				for oy := 0; oy < oh; oy++ {
					src := (oy*c.Stride+ky)*w + kx
					for ox := 0; ox < ow; ox++ {
						dst[oy*ow+ox] = plane[src+ox*c.Stride]
					}
				}
				row++
			}
		}
	}
	return cols
}

// Parameters lists the kernel and bias.
func (c *Conv2D) Parameters(prefix string) []Parameter {
	return []Parameter{
		{Name: prefixed(prefix, "weight"), Tensor: c.Weight},
		{Name: prefixed(prefix, "bias"), Tensor: c.Bias},
	}
}
