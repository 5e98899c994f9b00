package backend

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// InputSize is the square edge length image backends expect.
const InputSize = 224

// MaxImagePixels caps width*height of an accepted upload. Larger headers are
// rejected before any pixel buffer is allocated.
const MaxImagePixels = 89478485

// PooledFeatures is the length of Tensor.Pool: mean and standard deviation
// per channel.
const PooledFeatures = 6

// Channel statistics of the ImageNet training set, used by DenseNet.
var (
	channelMean = [3]float64{0.485, 0.456, 0.406}
	channelStd  = [3]float64{0.229, 0.224, 0.225}
)

// Tensor is a normalised RGB image in height, width, channel order.
type Tensor struct {
	Height int
	Width  int
	Data   []float32
}

// At returns the value of channel ch at (y, x).
func (t Tensor) At(y, x, ch int) float32 {
	return t.Data[(y*t.Width+x)*3+ch]
}

// Nested returns the tensor as [height][width][3] for JSON transport.
func (t Tensor) Nested() [][][3]float32 {
	out := make([][][3]float32, t.Height)
	for y := range out {
		row := make([][3]float32, t.Width)
		for x := range row {
			i := (y*t.Width + x) * 3
			row[x] = [3]float32{t.Data[i], t.Data[i+1], t.Data[i+2]}
		}
		out[y] = row
	}
	return out
}

// Pool reduces the tensor to per-channel mean and standard deviation.
func (t Tensor) Pool() []float64 {
	var sum, sq [3]float64
	n := float64(t.Height * t.Width)
	if n == 0 {
		return make([]float64, PooledFeatures)
	}
	for i, v := range t.Data {
		ch := i % 3
		f := float64(v)
		sum[ch] += f
		sq[ch] += f * f
	}
	out := make([]float64, 0, PooledFeatures)
	for ch := 0; ch < 3; ch++ {
		out = append(out, sum[ch]/n)
	}
	for ch := 0; ch < 3; ch++ {
		mean := sum[ch] / n
		variance := sq[ch]/n - mean*mean
		if variance < 0 {
			variance = 0
		}
		out = append(out, math.Sqrt(variance))
	}
	return out
}

// DecodeImageConfig reads only the image header and enforces MaxImagePixels.
func DecodeImageConfig(data []byte) (image.Config, string, error) {
	if len(data) == 0 {
		return image.Config{}, "", fmt.Errorf("empty image payload")
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Config{}, "", err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return image.Config{}, "", fmt.Errorf("image has no pixels")
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxImagePixels {
		return image.Config{}, "", fmt.Errorf("image of %dx%d pixels exceeds the %d pixel limit",
			cfg.Width, cfg.Height, MaxImagePixels)
	}
	return cfg, format, nil
}

// DecodeImage decodes png, jpeg, gif, bmp or webp data and returns the
// detected format.
func DecodeImage(data []byte) (image.Image, string, error) {
	if _, _, err := DecodeImageConfig(data); err != nil {
		return nil, "", err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", err
	}
	return img, format, nil
}

// Preprocess resizes img to size×size with bilinear interpolation, scales
// pixels to [0,1] and normalises each channel with the ImageNet statistics.
func Preprocess(img image.Image, size int) Tensor {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	src := dropAlpha(img)
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	t := Tensor{Height: size, Width: size, Data: make([]float32, size*size*3)}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			o := dst.PixOffset(x, y)
			i := (y*size + x) * 3
			for ch := 0; ch < 3; ch++ {
				v := float64(dst.Pix[o+ch]) / 255.0
				t.Data[i+ch] = float32((v - channelMean[ch]) / channelStd[ch])
			}
		}
	}
	return t
}

// dropAlpha keeps the stored colour of every pixel and discards its alpha,
// so transparent regions are not premultiplied to black.
func dropAlpha(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	out := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = 0xff
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}
