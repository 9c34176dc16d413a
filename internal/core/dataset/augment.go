package dataset

import (
	"math"
	"math/rand"

	"cnn-backend/internal/core/cnn"

	"golang.org/x/image/math/f64"
)

// Generator applies random affine augmentation followed by rescaling.
// Ranges follow the keras ImageDataGenerator conventions: rotation and shear
// are in degrees, shifts are fractions of the image size and zoom is sampled
// from [1-ZoomRange, 1+ZoomRange] independently per axis. Pixels that fall
// outside the source are filled with the nearest edge pixel.
type Generator struct {
	Rescale          float64
	RotationRange    float64
	WidthShiftRange  float64
	HeightShiftRange float64
	ShearRange       float64
	ZoomRange        float64
	HorizontalFlip   bool
}

// TrainingGenerator is the augmentation used for the training split.
func TrainingGenerator() *Generator {
	return &Generator{
		Rescale:          1.0 / 255,
		RotationRange:    20,
		WidthShiftRange:  0.2,
		HeightShiftRange: 0.2,
		ShearRange:       0.2,
		ZoomRange:        0.2,
		HorizontalFlip:   true,
	}
}

// TestGenerator is the augmentation used for the test split. It matches the
// training augmentation.
func TestGenerator() *Generator {
	return TrainingGenerator()
}

// RescaleGenerator only rescales. It backs deterministic evaluation and
// prediction inputs.
func RescaleGenerator() *Generator {
	return &Generator{Rescale: 1.0 / 255}
}

type TransformParams struct {
	Theta float64
	Tx    float64
	Ty    float64
	Shear float64
	Zx    float64
	Zy    float64
	Flip  bool
}

func (p TransformParams) identity() bool {
	return p.Theta == 0 && p.Tx == 0 && p.Ty == 0 && p.Shear == 0 && p.Zx == 1 && p.Zy == 1
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// RandomParams draws one set of transform parameters for an h x w image.
func (g *Generator) RandomParams(rng *rand.Rand, h, w int) TransformParams {
	p := TransformParams{Zx: 1, Zy: 1}
	if g.RotationRange != 0 {
		p.Theta = uniform(rng, -g.RotationRange, g.RotationRange)
	}
	if g.HeightShiftRange != 0 {
		p.Tx = uniform(rng, -g.HeightShiftRange, g.HeightShiftRange) * float64(h)
	}
	if g.WidthShiftRange != 0 {
		p.Ty = uniform(rng, -g.WidthShiftRange, g.WidthShiftRange) * float64(w)
	}
	if g.ShearRange != 0 {
		p.Shear = uniform(rng, -g.ShearRange, g.ShearRange)
	}
	if g.ZoomRange != 0 {
		p.Zx = uniform(rng, 1-g.ZoomRange, 1+g.ZoomRange)
		p.Zy = uniform(rng, 1-g.ZoomRange, 1+g.ZoomRange)
	}
	if g.HorizontalFlip {
		p.Flip = rng.Float64() < 0.5
	}
	return p
}

func mul(a, b f64.Aff3) f64.Aff3 {
	return f64.Aff3{
		a[0]*b[0] + a[1]*b[3], a[0]*b[1] + a[1]*b[4], a[0]*b[2] + a[1]*b[5] + a[2],
		a[3]*b[0] + a[4]*b[3], a[3]*b[1] + a[4]*b[4], a[3]*b[2] + a[4]*b[5] + a[5],
	}
}

// Matrix returns the (row, col) affine map from output to source pixels,
// centred on the image.
func (p TransformParams) Matrix(h, w int) f64.Aff3 {
	theta := p.Theta * math.Pi / 180
	shear := p.Shear * math.Pi / 180

	m := f64.Aff3{1, 0, 0, 0, 1, 0}
	m = mul(m, f64.Aff3{math.Cos(theta), -math.Sin(theta), 0, math.Sin(theta), math.Cos(theta), 0})
	m = mul(m, f64.Aff3{1, 0, p.Tx, 0, 1, p.Ty})
	m = mul(m, f64.Aff3{1, -math.Sin(shear), 0, 0, math.Cos(shear), 0})
	m = mul(m, f64.Aff3{p.Zx, 0, 0, 0, p.Zy, 0})

	cr, cc := float64(h)/2-0.5, float64(w)/2-0.5
	m = mul(f64.Aff3{1, 0, cr, 0, 1, cc}, m)
	m = mul(m, f64.Aff3{1, 0, -cr, 0, 1, -cc})
	return m
}

// Apply transforms img (values in [0, 255]) with p and rescales the result.
func (g *Generator) Apply(img *cnn.Tensor, p TransformParams) *cnn.Tensor {
	out := img
	if !p.identity() {
		out = affine(img, p.Matrix(img.H, img.W))
	}
	if p.Flip {
		out = flipHorizontal(out)
	}
	return g.Standardize(out)
}

// Standardize applies only the rescale step, as used for prediction inputs.
func (g *Generator) Standardize(img *cnn.Tensor) *cnn.Tensor {
	if g.Rescale == 0 || g.Rescale == 1 {
		return img
	}
	out := img.Clone()
	for i := range out.Data {
		out.Data[i] *= g.Rescale
	}
	return out
}

func clampIndex(v float64, n int) int {
	i := int(math.Round(v))
	return min(max(i, 0), n-1)
}

func affine(img *cnn.Tensor, m f64.Aff3) *cnn.Tensor {
	out := cnn.NewTensor(img.H, img.W, img.C)
	for r := 0; r < img.H; r++ {
		for c := 0; c < img.W; c++ {
			fr, fc := float64(r), float64(c)
			sr := clampIndex(m[0]*fr+m[1]*fc+m[2], img.H)
			sc := clampIndex(m[3]*fr+m[4]*fc+m[5], img.W)
			copy(out.Data[out.Index(r, c, 0):out.Index(r, c, 0)+img.C], img.Data[img.Index(sr, sc, 0):img.Index(sr, sc, 0)+img.C])
		}
	}
	return out
}

func flipHorizontal(img *cnn.Tensor) *cnn.Tensor {
	out := cnn.NewTensor(img.H, img.W, img.C)
	for r := 0; r < img.H; r++ {
		for c := 0; c < img.W; c++ {
			src := img.Index(r, img.W-1-c, 0)
			dst := out.Index(r, c, 0)
			copy(out.Data[dst:dst+img.C], img.Data[src:src+img.C])
		}
	}
	return out
}
