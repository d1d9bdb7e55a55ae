// Package focus computes the focus-quality metric for the brightest point
// source in a grayscale region: half-flux diameter by default, or a
// peak-windowed FWHM estimate. Both are statistical measures over the
// background-subtracted flux map; neither fits a model.
package focus

import (
	"fmt"
	"image"
	"math"
	"strings"

	"gocv.io/x/gocv"
)

// Method selects the metric variant.
type Method string

const (
	// MethodHFD is the half-flux diameter approximation: twice the
	// flux-weighted mean distance to the flux centroid.
	MethodHFD Method = "hfd"
	// MethodFWHM converts second central moments in a window around the
	// peak to a full-width-half-maximum estimate.
	MethodFWHM Method = "fwhm"
)

// ParseMethod maps a configuration string onto a Method.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hfd":
		return MethodHFD, nil
	case "fwhm":
		return MethodFWHM, nil
	default:
		return MethodHFD, fmt.Errorf("unknown focus method %q", s)
	}
}

const (
	// noiseFloor is the minimum peak intensity, on the sensor's native
	// 8-bit scale, below which the region is treated as starless.
	noiseFloor = 5

	// smoothKernel is the Gaussian kernel size used to suppress hot pixels
	// before peak location. All statistics run on the smoothed data so the
	// centroid cannot be dragged by a pixel the peak search ignored.
	smoothKernel = 3

	// fwhmWindowRadius bounds the peak window for the FWHM variant.
	fwhmWindowRadius = 15

	// fwhmFromSigma converts a Gaussian sigma to full width at half maximum.
	fwhmFromSigma = 2.355
)

// Measurement is the outcome of one metric evaluation. A Metric of 0 means
// no detectable source; Centroid is in region-local pixel coordinates.
type Measurement struct {
	Metric   float64
	Centroid image.Point
}

// Measure evaluates the focus metric on a single-channel 8-bit region.
// Degenerate input of any shape (empty, too small to smooth, all below the
// noise floor, zero total flux) yields Metric 0 and never panics; the video
// pipeline must not stall because an operator picked a bad region.
func Measure(gray gocv.Mat, method Method) Measurement {
	if gray.Empty() || gray.Type() != gocv.MatTypeCV8UC1 {
		return Measurement{}
	}
	if gray.Rows() < smoothKernel || gray.Cols() < smoothKernel {
		return Measurement{}
	}

	smoothed := gocv.NewMat()
	defer smoothed.Close()
	gocv.GaussianBlur(gray, &smoothed,
		image.Pt(smoothKernel, smoothKernel), 0, 0, gocv.BorderDefault)

	_, maxVal, _, peak := gocv.MinMaxLoc(smoothed)
	if maxVal < noiseFloor {
		return Measurement{Centroid: peak}
	}

	data, err := smoothed.DataPtrUint8()
	if err != nil {
		return Measurement{Centroid: peak}
	}
	w, h := smoothed.Cols(), smoothed.Rows()

	if method == MethodFWHM {
		return windowFWHM(data, w, h, peak)
	}
	return halfFluxDiameter(data, w, h, peak)
}

// halfFluxDiameter implements the HFD approximation: median background
// subtraction over the whole region, flux-weighted centroid, then twice the
// flux-weighted mean Euclidean distance to that centroid. This deliberately
// avoids sorting pixels by distance; the O(n) approximation is the documented
// behavior, not a shortcut to fix later.
func halfFluxDiameter(data []uint8, w, h int, peak image.Point) Measurement {
	background := medianU8(data)

	var flux, sumX, sumY float64
	for y := 0; y < h; y++ {
		row := y * w
		for x := 0; x < w; x++ {
			v := float64(data[row+x]) - background
			if v <= 0 {
				continue
			}
			flux += v
			sumX += v * float64(x)
			sumY += v * float64(y)
		}
	}
	if flux <= 0 {
		return Measurement{Centroid: peak}
	}
	cx := sumX / flux
	cy := sumY / flux

	var distSum float64
	for y := 0; y < h; y++ {
		dy := float64(y) - cy
		row := y * w
		for x := 0; x < w; x++ {
			v := float64(data[row+x]) - background
			if v <= 0 {
				continue
			}
			dx := float64(x) - cx
			distSum += v * math.Sqrt(dx*dx+dy*dy)
		}
	}

	return Measurement{
		Metric:   2 * distSum / flux,
		Centroid: image.Pt(int(math.Round(cx)), int(math.Round(cy))),
	}
}

// windowFWHM estimates FWHM from second central moments in a clamped window
// around the peak: window mean removed as DC offset, residual clamped to
// positive, sigma averaged over both axes.
func windowFWHM(data []uint8, w, h int, peak image.Point) Measurement {
	x0 := max(peak.X-fwhmWindowRadius, 0)
	y0 := max(peak.Y-fwhmWindowRadius, 0)
	x1 := min(peak.X+fwhmWindowRadius, w-1)
	y1 := min(peak.Y+fwhmWindowRadius, h-1)

	var sum float64
	n := 0
	for y := y0; y <= y1; y++ {
		row := y * w
		for x := x0; x <= x1; x++ {
			sum += float64(data[row+x])
			n++
		}
	}
	if n == 0 {
		return Measurement{Centroid: peak}
	}
	mean := sum / float64(n)

	var flux, sumX, sumY float64
	for y := y0; y <= y1; y++ {
		row := y * w
		for x := x0; x <= x1; x++ {
			v := float64(data[row+x]) - mean
			if v <= 0 {
				continue
			}
			flux += v
			sumX += v * float64(x)
			sumY += v * float64(y)
		}
	}
	if flux <= 0 {
		return Measurement{Centroid: peak}
	}
	cx := sumX / flux
	cy := sumY / flux

	var varX, varY float64
	for y := y0; y <= y1; y++ {
		dy := float64(y) - cy
		row := y * w
		for x := x0; x <= x1; x++ {
			v := float64(data[row+x]) - mean
			if v <= 0 {
				continue
			}
			dx := float64(x) - cx
			varX += v * dx * dx
			varY += v * dy * dy
		}
	}
	sigma := (math.Sqrt(varX/flux) + math.Sqrt(varY/flux)) / 2

	return Measurement{
		Metric:   fwhmFromSigma * sigma,
		Centroid: image.Pt(int(math.Round(cx)), int(math.Round(cy))),
	}
}

// medianU8 computes the median through a 256-bin histogram, O(n) with no
// allocation beyond the fixed bins.
func medianU8(data []uint8) float64 {
	var hist [256]int
	for _, v := range data {
		hist[v]++
	}
	mid := (len(data) + 1) / 2
	cum := 0
	for i, c := range hist {
		cum += c
		if cum >= mid {
			return float64(i)
		}
	}
	return 0
}
