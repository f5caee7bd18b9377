package media

import "math"

// Gray is an 8-bit grayscale frame in row-major order.
type Gray struct {
	Width  int
	Height int
	Pix    []byte
}

// Valid reports whether the pixel buffer matches the dimensions.
func (g Gray) Valid() bool {
	return g.Width > 2 && g.Height > 2 && len(g.Pix) == g.Width*g.Height
}

// Edges returns the Sobel gradient magnitude of g, one value per pixel.
// Border pixels are zero.
func Edges(g Gray) []float64 {
	out := make([]float64, g.Width*g.Height)
	if !g.Valid() {
		return out
	}
	w := g.Width
	px := func(x, y int) float64 { return float64(g.Pix[y*w+x]) }
	for y := 1; y < g.Height-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := -px(x-1, y-1) - 2*px(x-1, y) - px(x-1, y+1) +
				px(x+1, y-1) + 2*px(x+1, y) + px(x+1, y+1)
			gy := -px(x-1, y-1) - 2*px(x, y-1) - px(x+1, y-1) +
				px(x-1, y+1) + 2*px(x, y+1) + px(x+1, y+1)
			out[y*w+x] = math.Hypot(gx, gy)
		}
	}
	return out
}

// Similarity scores two frames in [-1, 1] by the normalized
// cross-correlation of their edge maps. Frames of different size score 0.
// Two featureless frames are identical when their mean brightness matches.
func Similarity(a, b Gray) float64 {
	if !a.Valid() || !b.Valid() || a.Width != b.Width || a.Height != b.Height {
		return 0
	}
	ea, eb := Edges(a), Edges(b)
	score, ok := correlate(ea, eb)
	if ok {
		return score
	}
	flatA, flatB := variance(ea) == 0, variance(eb) == 0
	if flatA && flatB {
		if math.Abs(mean(bytesToFloat(a.Pix))-mean(bytesToFloat(b.Pix))) < 1 {
			return 1
		}
	}
	return 0
}

func correlate(a, b []float64) (float64, bool) {
	ma, mb := mean(a), mean(b)
	var num, da, db float64
	for i := range a {
		x, y := a[i]-ma, b[i]-mb
		num += x * y
		da += x * x
		db += y * y
	}
	if da == 0 || db == 0 {
		return 0, false
	}
	return num / math.Sqrt(da*db), true
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func variance(values []float64) float64 {
	m := mean(values)
	var sum float64
	for _, v := range values {
		sum += (v - m) * (v - m)
	}
	return sum
}

func bytesToFloat(pix []byte) []float64 {
	out := make([]float64, len(pix))
	for i, p := range pix {
		out[i] = float64(p)
	}
	return out
}
