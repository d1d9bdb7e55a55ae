// Package overlay renders the focus readout onto the outgoing display frame:
// ROI box, metric label, the intensity profile of the centroid row, and the
// rolling-history sparkline. Every drawing step is bounds-checked and skipped
// on failure; a bad geometry must never cost the operator a frame.
package overlay

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/starfocus/internal/focus"
)

// Style carries the per-frame render options taken from the settings
// snapshot, so a settings change cannot restyle a frame halfway through.
type Style struct {
	FontScale   float64
	GraphHeight int
	MetricLabel string
}

var (
	boxColor     = color.RGBA{R: 0, G: 220, B: 60, A: 255}
	labelBgColor = color.RGBA{R: 20, G: 20, B: 20, A: 255}
	textColor    = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	profileColor = color.RGBA{R: 80, G: 200, B: 255, A: 255}
	sparkColor   = color.RGBA{R: 0, G: 255, B: 180, A: 255}
	errorColor   = color.RGBA{R: 255, G: 70, B: 70, A: 255}
)

const (
	labelFont = gocv.FontHersheySimplex

	profileGap = 4

	sparkWidth  = 160
	sparkHeight = 48
	sparkMargin = 10
	sparkInset  = 2
	// sparkMinScale floors the sparkline auto-scale so a run of near-zero
	// samples does not blow the plot up to noise.
	sparkMinScale = 1.0
)

// Draw renders the full focus readout in place on the display frame. The roi
// rectangle is in display pixels and must already be validated by the caller;
// Draw still re-checks every placement against the frame and silently skips
// whatever does not fit.
func Draw(display *gocv.Mat, roi image.Rectangle, gray gocv.Mat, m focus.Measurement, hist []float64, style Style) {
	if display == nil || display.Empty() {
		return
	}
	frame := image.Rect(0, 0, display.Cols(), display.Rows())
	if roi.Empty() || !roi.In(frame) {
		return
	}
	if style.FontScale <= 0 {
		style.FontScale = 1.0
	}
	if style.GraphHeight <= 0 {
		style.GraphHeight = 60
	}

	gocv.Rectangle(display, roi, boxColor, 2)
	drawLabel(display, frame, roi, m.Metric, style)
	drawProfile(display, frame, roi, gray, m.Centroid.Y, style.GraphHeight)
	drawSparkline(display, frame, hist)
}

// drawLabel puts the metric value on a filled box above the ROI, or just
// inside it when there is no room above.
func drawLabel(display *gocv.Mat, frame, roi image.Rectangle, metric float64, style Style) {
	text := fmt.Sprintf("%s %.2f", style.MetricLabel, metric)
	if metric <= 0 {
		text = style.MetricLabel + " --"
	}

	size := gocv.GetTextSize(text, labelFont, style.FontScale, 1)
	org := image.Pt(roi.Min.X, roi.Min.Y-6)
	if org.Y-size.Y < frame.Min.Y {
		org.Y = roi.Min.Y + size.Y + 6
	}

	bg := image.Rect(org.X-2, org.Y-size.Y-2, org.X+size.X+2, org.Y+4).Intersect(frame)
	if !bg.Empty() {
		gocv.Rectangle(display, bg, labelBgColor, -1)
	}
	gocv.PutText(display, text, org, labelFont, style.FontScale, textColor, 1)
}

// drawProfile plots the intensity of the gray row passing through the
// centroid as a polyline directly below the ROI.
func drawProfile(display *gocv.Mat, frame, roi image.Rectangle, gray gocv.Mat, centroidY, graphHeight int) {
	if gray.Empty() || centroidY < 0 || centroidY >= gray.Rows() {
		return
	}
	width := gray.Cols()
	if width < 2 {
		return
	}

	base := roi.Max.Y + profileGap + graphHeight
	if base >= frame.Max.Y || roi.Min.X+width > frame.Max.X {
		return
	}

	scale := float64(graphHeight) / 255.0
	prev := image.Pt(roi.Min.X, base-int(float64(gray.GetUCharAt(centroidY, 0))*scale))
	for x := 1; x < width; x++ {
		v := gray.GetUCharAt(centroidY, x)
		pt := image.Pt(roi.Min.X+x, base-int(float64(v)*scale))
		gocv.Line(display, prev, pt, profileColor, 1)
		prev = pt
	}
}

// drawSparkline renders the recent metric history on a translucent panel in
// the bottom-left corner, auto-scaled to the largest sample.
func drawSparkline(display *gocv.Mat, frame image.Rectangle, hist []float64) {
	if len(hist) < 2 {
		return
	}

	rect := image.Rect(
		sparkMargin,
		frame.Max.Y-sparkMargin-sparkHeight,
		sparkMargin+sparkWidth,
		frame.Max.Y-sparkMargin,
	)
	if !rect.In(frame) {
		return
	}

	panel := display.Region(rect)
	defer panel.Close()
	dark := gocv.NewMatWithSize(rect.Dy(), rect.Dx(), gocv.MatTypeCV8UC3)
	defer dark.Close()
	gocv.AddWeighted(panel, 0.35, dark, 0.65, 0, &panel)

	maxVal := sparkMinScale
	for _, v := range hist {
		if v > maxVal {
			maxVal = v
		}
	}

	plotW := float64(rect.Dx() - 2*sparkInset)
	plotH := float64(rect.Dy() - 2*sparkInset)
	step := plotW / float64(len(hist)-1)

	var prev image.Point
	for i, v := range hist {
		frac := v / maxVal
		if frac > 1 {
			frac = 1
		}
		pt := image.Pt(
			rect.Min.X+sparkInset+int(float64(i)*step),
			rect.Max.Y-sparkInset-int(frac*plotH),
		)
		if i > 0 {
			gocv.Line(display, prev, pt, sparkColor, 1)
		}
		prev = pt
	}
}

// ErrorFrame builds the static frame broadcast when the camera is gone for
// good: black background, centered message.
func ErrorFrame(width, height int, msg string) gocv.Mat {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}

	mat := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	size := gocv.GetTextSize(msg, labelFont, 0.8, 2)
	org := image.Pt((width-size.X)/2, height/2)
	if org.X < 10 {
		org.X = 10
	}
	gocv.PutText(&mat, msg, org, labelFont, 0.8, errorColor, 2)
	return mat
}
