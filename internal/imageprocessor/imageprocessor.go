package imageprocessor

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/gozale/safran-api/internal/apperr"
)

const channels = 3

// DefaultMaxPixels bounds the decoded size of an upload. A few kilobytes of
// compressed data can otherwise expand into gigabytes of pixels.
const DefaultMaxPixels = 25_000_000

// Tensor is a batch-of-one float32 image in NCHW layout.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Options controls how images are turned into model input.
type Options struct {
	Size   int
	Mean   [channels]float32
	Std    [channels]float32
	Filter string
	// MaxPixels rejects images whose width*height exceeds it. Zero means
	// DefaultMaxPixels.
	MaxPixels int64
}

// DefaultOptions matches the ImageNet preprocessing the bundled ResNet expects.
func DefaultOptions() Options {
	return Options{
		Size:      224,
		Mean:      [channels]float32{0.485, 0.456, 0.406},
		Std:       [channels]float32{0.229, 0.224, 0.225},
		Filter:    "bicubic",
		MaxPixels: DefaultMaxPixels,
	}
}

var filters = map[string]resize.InterpolationFunction{
	"nearest":  resize.NearestNeighbor,
	"bilinear": resize.Bilinear,
	"bicubic":  resize.Bicubic,
	"lanczos2": resize.Lanczos2,
	"lanczos3": resize.Lanczos3,
}

// Preprocessor converts encoded images into normalized tensors. It holds no
// mutable state and is safe for concurrent use.
type Preprocessor struct {
	size      int
	mean      [channels]float32
	std       [channels]float32
	filter    resize.InterpolationFunction
	maxPixels int64
}

// NewPreprocessor validates opts and builds a Preprocessor.
func NewPreprocessor(opts Options) (*Preprocessor, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("invalid target size %d", opts.Size)
	}
	for c, s := range opts.Std {
		if s == 0 {
			return nil, fmt.Errorf("std for channel %d must be non-zero", c)
		}
	}
	filter, ok := filters[strings.ToLower(opts.Filter)]
	if !ok {
		return nil, fmt.Errorf("unknown resize filter %q", opts.Filter)
	}
	if opts.MaxPixels < 0 {
		return nil, fmt.Errorf("invalid pixel limit %d", opts.MaxPixels)
	}
	maxPixels := opts.MaxPixels
	if maxPixels == 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Preprocessor{size: opts.Size, mean: opts.Mean, std: opts.Std, filter: filter, maxPixels: maxPixels}, nil
}

// Shape returns the tensor shape produced by Preprocess.
func (p *Preprocessor) Shape() []int64 {
	return []int64{1, channels, int64(p.size), int64(p.size)}
}

// Preprocess decodes data and returns a (1, 3, size, size) tensor.
//
// Pixels are reduced to straight RGB (alpha dropped), resized with the
// configured filter, quantized back to 8 bits, scaled to [0,1] and normalized
// per channel.
func (p *Preprocessor) Preprocess(data []byte) (*Tensor, error) {
	if len(data) == 0 {
		return nil, apperr.New(apperr.KindPreprocess, "image is empty", nil)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.New(apperr.KindPreprocess, "unable to decode image", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, apperr.New(apperr.KindPreprocess, "image has no pixels", nil)
	}
	if int64(cfg.Width)*int64(cfg.Height) > p.maxPixels {
		return nil, apperr.New(apperr.KindPreprocess,
			fmt.Sprintf("image of %dx%d exceeds the %d pixel limit", cfg.Width, cfg.Height, p.maxPixels), nil)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.New(apperr.KindPreprocess, "unable to decode image", err)
	}

	rgb := toOpaqueNRGBA(img)
	resized := resize.Resize(uint(p.size), uint(p.size), rgb, p.filter)

	plane := p.size * p.size
	out := make([]float32, channels*plane)
	bounds := resized.Bounds()
	for y := 0; y < p.size; y++ {
		for x := 0; x < p.size; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			idx := y*p.size + x
			out[idx] = p.normalize(0, r)
			out[plane+idx] = p.normalize(1, g)
			out[2*plane+idx] = p.normalize(2, b)
		}
	}

	return &Tensor{Shape: p.Shape(), Data: out}, nil
}

func (p *Preprocessor) normalize(c int, v uint32) float32 {
	scaled := float32(v>>8) / 255.0
	return (scaled - p.mean[c]) / p.std[c]
}

// toOpaqueNRGBA copies img into a zero-origin NRGBA with alpha forced to 255.
// Grayscale and paletted sources expand to equal RGB channels.
func toOpaqueNRGBA(img image.Image) *image.NRGBA {
	bounds := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	if src, ok := img.(*image.NRGBA); ok {
		// Copy rows as-is; a round trip through premultiplied color would
		// change channels under partial alpha.
		rowLen := 4 * bounds.Dx()
		for y := 0; y < bounds.Dy(); y++ {
			start := src.PixOffset(bounds.Min.X, bounds.Min.Y+y)
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+rowLen], src.Pix[start:start+rowLen])
		}
	} else {
		draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	}
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}
