package focus

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

// gaussianPatch renders a circular Gaussian star of the given sigma and
// amplitude on a flat background.
func gaussianPatch(t *testing.T, size int, cx, cy, sigma, amp float64, bg uint8) gocv.Mat {
	t.Helper()

	mat := gocv.NewMatWithSize(size, size, gocv.MatTypeCV8UC1)
	data, err := mat.DataPtrUint8()
	require.NoError(t, err)

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx := float64(x) - cx
			dy := float64(y) - cy
			v := float64(bg) + amp*math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
			if v > 255 {
				v = 255
			}
			data[y*size+x] = uint8(math.Round(v))
		}
	}
	return mat
}

func flatPatch(t *testing.T, rows, cols int, value uint8) gocv.Mat {
	t.Helper()

	mat := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8UC1)
	if value == 0 {
		return mat
	}
	data, err := mat.DataPtrUint8()
	require.NoError(t, err)
	for i := range data {
		data[i] = value
	}
	return mat
}

func TestAllZeroRegionReturnsZero(t *testing.T) {
	for _, size := range []int{1, 3, 8, 64} {
		for _, method := range []Method{MethodHFD, MethodFWHM} {
			mat := flatPatch(t, size, size, 0)
			m := Measure(mat, method)
			mat.Close()
			assert.Zero(t, m.Metric, "size %d method %s", size, method)
		}
	}
}

func TestBelowNoiseFloorReturnsZero(t *testing.T) {
	mat := flatPatch(t, 32, 32, 3)
	defer mat.Close()

	m := Measure(mat, MethodHFD)
	assert.Zero(t, m.Metric)
}

func TestFlatBrightRegionHasNoFlux(t *testing.T) {
	// Peak clears the noise floor but background subtraction removes
	// everything, so there is no star to measure.
	mat := flatPatch(t, 32, 32, 50)
	defer mat.Close()

	for _, method := range []Method{MethodHFD, MethodFWHM} {
		assert.Zero(t, Measure(mat, method).Metric, "method %s", method)
	}
}

func TestHFDMatchesGaussianExpectation(t *testing.T) {
	// For a 2-D Gaussian the flux-weighted mean radial distance is
	// sigma*sqrt(pi/2), so the metric should land near twice that. The
	// smoothing pass widens the profile slightly; 8% covers it.
	const sigma = 3.0
	mat := gaussianPatch(t, 64, 32, 32, sigma, 200, 10)
	defer mat.Close()

	m := Measure(mat, MethodHFD)
	expected := 2 * sigma * math.Sqrt(math.Pi/2)

	require.Greater(t, m.Metric, 0.0)
	assert.InEpsilon(t, expected, m.Metric, 0.08)
	assert.InDelta(t, 32, m.Centroid.X, 1.0)
	assert.InDelta(t, 32, m.Centroid.Y, 1.0)
}

func TestFWHMMatchesGaussianExpectation(t *testing.T) {
	const sigma = 2.0
	mat := gaussianPatch(t, 64, 32, 32, sigma, 200, 10)
	defer mat.Close()

	m := Measure(mat, MethodFWHM)
	expected := fwhmFromSigma * sigma

	require.Greater(t, m.Metric, 0.0)
	assert.InEpsilon(t, expected, m.Metric, 0.10)
}

func TestSharperStarScoresLower(t *testing.T) {
	sharp := gaussianPatch(t, 64, 32, 32, 1.5, 200, 10)
	defer sharp.Close()
	blurry := gaussianPatch(t, 64, 32, 32, 4.0, 200, 10)
	defer blurry.Close()

	for _, method := range []Method{MethodHFD, MethodFWHM} {
		ms := Measure(sharp, method)
		mb := Measure(blurry, method)
		assert.Less(t, ms.Metric, mb.Metric, "method %s", method)
	}
}

func TestCentroidTracksOffCenterStar(t *testing.T) {
	mat := gaussianPatch(t, 64, 20, 40, 2.5, 180, 12)
	defer mat.Close()

	m := Measure(mat, MethodHFD)
	require.Greater(t, m.Metric, 0.0)
	assert.InDelta(t, 20, m.Centroid.X, 1.5)
	assert.InDelta(t, 40, m.Centroid.Y, 1.5)
}

func TestTinyRegionDoesNotPanic(t *testing.T) {
	mat := flatPatch(t, 3, 3, 0)
	defer mat.Close()
	data, err := mat.DataPtrUint8()
	require.NoError(t, err)
	data[4] = 200 // single bright center pixel

	for _, method := range []Method{MethodHFD, MethodFWHM} {
		m := Measure(mat, method)
		assert.GreaterOrEqual(t, m.Metric, 0.0, "method %s", method)
	}
}

func TestRejectsWrongMatType(t *testing.T) {
	color := gocv.NewMatWithSize(32, 32, gocv.MatTypeCV8UC3)
	defer color.Close()

	assert.Zero(t, Measure(color, MethodHFD).Metric)

	empty := gocv.NewMat()
	defer empty.Close()
	assert.Zero(t, Measure(empty, MethodHFD).Metric)

	assert.Equal(t, image.Point{}, Measure(empty, MethodHFD).Centroid)
}

func TestParseMethod(t *testing.T) {
	tests := []struct {
		in      string
		want    Method
		wantErr bool
	}{
		{"", MethodHFD, false},
		{"hfd", MethodHFD, false},
		{"FWHM", MethodFWHM, false},
		{"psf-fit", MethodHFD, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMethod(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
