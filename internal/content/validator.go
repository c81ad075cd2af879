// Package content decides whether an uploaded image carries enough visual
// information to be worth sending to the deblur model.
package content

import (
	"errors"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// Rejection thresholds. Each one alone is sufficient to reject an image.
const (
	MinEntropy      = 3.0
	MaxUniformRatio = 0.9
	MinStdDev       = 20.0

	// UniformBand is the grayscale distance from the mean under which a pixel
	// counts towards the uniform ratio.
	UniformBand = 15.0
)

// ErrEmptyImage is returned for images without a single pixel. It is an
// input error, not a verdict.
var ErrEmptyImage = errors.New("content: image has no pixels")

// Reason explains a Verdict.
type Reason string

const (
	ReasonAccepted   Reason = "meaningful content"
	ReasonLowStdDev  Reason = "low standard deviation"
	ReasonUniform    Reason = "predominantly uniform"
	ReasonLowEntropy Reason = "low entropy"
)

// Stats are the measurements a Verdict is derived from.
type Stats struct {
	Pixels       int     `json:"pixels"`
	AvgEntropy   float64 `json:"avg_entropy"`
	Mean         float64 `json:"mean"`
	StdDev       float64 `json:"std_dev"`
	UniformRatio float64 `json:"uniform_ratio"`
}

// Verdict is the accept/reject decision for one image.
type Verdict struct {
	Accepted bool   `json:"accepted"`
	Reason   Reason `json:"reason"`
	Stats    Stats  `json:"stats"`
}

// Validate classifies img. It never mutates img and always returns the same
// verdict for the same pixels.
func Validate(img image.Image) (Verdict, error) {
	stats, err := Analyze(img)
	if err != nil {
		return Verdict{}, err
	}
	return Classify(stats), nil
}

// Classify applies the rejection thresholds to stats. When several apply the
// reported reason is the first of contrast, uniformity, entropy.
func Classify(stats Stats) Verdict {
	v := Verdict{Accepted: false, Stats: stats}
	switch {
	case stats.StdDev < MinStdDev:
		v.Reason = ReasonLowStdDev
	case stats.UniformRatio > MaxUniformRatio:
		v.Reason = ReasonUniform
	case stats.AvgEntropy < MinEntropy:
		v.Reason = ReasonLowEntropy
	default:
		v.Accepted = true
		v.Reason = ReasonAccepted
	}
	return v
}

// Analyze computes per-channel entropy and grayscale statistics over every
// pixel of img. Alpha is ignored.
func Analyze(img image.Image) (Stats, error) {
	if img == nil {
		return Stats{}, ErrEmptyImage
	}
	px := toNRGBA(img)
	w, h := px.Rect.Dx(), px.Rect.Dy()
	total := w * h
	if w <= 0 || h <= 0 {
		return Stats{}, ErrEmptyImage
	}

	// The channel sum is kept as an integer so a solid image's mean equals
	// its gray value exactly and its deviation is exactly zero.
	var histR, histG, histB [256]int
	var sum int64
	forEachPixel(px, func(r, g, b uint8) {
		histR[r]++
		histG[g]++
		histB[b]++
		sum += int64(r) + int64(g) + int64(b)
	})
	mean := float64(sum) / float64(3*total)

	var sqDev float64
	uniform := 0
	forEachPixel(px, func(r, g, b uint8) {
		d := gray(r, g, b) - mean
		sqDev += d * d
		if math.Abs(d) < UniformBand {
			uniform++
		}
	})

	return Stats{
		Pixels:       total,
		AvgEntropy:   (entropy(histR[:], total) + entropy(histG[:], total) + entropy(histB[:], total)) / 3,
		Mean:         mean,
		StdDev:       math.Sqrt(sqDev / float64(total)),
		UniformRatio: float64(uniform) / float64(total),
	}, nil
}

func entropy(hist []int, total int) float64 {
	var e float64
	for _, count := range hist {
		if count == 0 {
			continue
		}
		p := float64(count) / float64(total)
		e -= p * math.Log2(p)
	}
	return e
}

func gray(r, g, b uint8) float64 {
	return float64(int(r)+int(g)+int(b)) / 3
}

func forEachPixel(px *image.NRGBA, fn func(r, g, b uint8)) {
	w, h := px.Rect.Dx(), px.Rect.Dy()
	for y := 0; y < h; y++ {
		row := px.Pix[y*px.Stride : y*px.Stride+w*4]
		for i := 0; i < len(row); i += 4 {
			fn(row[i], row[i+1], row[i+2])
		}
	}
}

// toNRGBA gives straight (non-premultiplied) samples, the same values a
// browser canvas reports.
func toNRGBA(img image.Image) *image.NRGBA {
	if px, ok := img.(*image.NRGBA); ok {
		return px
	}
	return imaging.Clone(img)
}
