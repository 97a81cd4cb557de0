package soilwater

import (
	"math"

	aerrors "github.com/mertkan-iscan/agriAssist-sub000/internal/errors"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/storage"
)

// MaxFitDegree is the highest polynomial degree tried by Fit.
const MaxFitDegree = 4

// minRSS keeps AIC and BIC finite for exact fits.
const minRSS = 1e-10

// FitResult is the selected calibration polynomial.
type FitResult struct {
	Degree       int                `json:"degree"`
	Coefficients storage.Polynomial `json:"coefficients"` // ascending powers
	RSquared     float64            `json:"r_squared"`
	AIC          float64            `json:"aic"`
	BIC          float64            `json:"bic"`
}

// Fit fits least-squares polynomials of degree 1 to MaxFitDegree to the
// (x, y) pairs and keeps a higher degree only when it improves both AIC and
// BIC over the best so far.
func Fit(xs, ys []float64) (*FitResult, error) {
	if len(xs) != len(ys) {
		return nil, aerrors.Validation("got %d raw values and %d physical values", len(xs), len(ys))
	}
	n := len(xs)
	if n < 3 {
		return nil, aerrors.Validation("at least 3 samples are required, got %d", n)
	}

	// Fitting in x/scale keeps the normal equations well conditioned for raw
	// ADC values in the thousands.
	scale := 0.0
	for _, x := range xs {
		scale = math.Max(scale, math.Abs(x))
	}
	if scale == 0 {
		return nil, aerrors.Validation("all raw values are zero")
	}
	us := make([]float64, n)
	for i, x := range xs {
		us[i] = x / scale
	}

	mean := 0.0
	for _, y := range ys {
		mean += y
	}
	mean /= float64(n)
	ssTot := 0.0
	for _, y := range ys {
		ssTot += (y - mean) * (y - mean)
	}

	var best *FitResult
	for degree := 1; degree <= MaxFitDegree && degree < n; degree++ {
		coeffs, ok := leastSquares(us, ys, degree)
		if !ok {
			continue
		}
		for k := range coeffs {
			coeffs[k] /= math.Pow(scale, float64(k))
		}
		poly := storage.Polynomial(coeffs)

		rss := 0.0
		for i, x := range xs {
			r := ys[i] - poly.Eval(x)
			rss += r * r
		}
		r2 := 1.0
		if ssTot > 0 {
			r2 = 1 - rss/ssTot
		}
		rss = math.Max(rss, minRSS)

		k := float64(degree + 1)
		fn := float64(n)
		aic := fn*math.Log(rss/fn) + 2*k
		bic := fn*math.Log(rss/fn) + k*math.Log(fn)

		if best == nil || (aic < best.AIC && bic < best.BIC) {
			best = &FitResult{Degree: degree, Coefficients: poly, RSquared: r2, AIC: aic, BIC: bic}
		}
	}
	if best == nil {
		return nil, aerrors.Validation("samples do not determine a polynomial")
	}
	return best, nil
}

// FitSoilMoisture fits a probe polynomial. Raw readings are mirrored around
// the ADC ceiling the same way readings are converted.
func FitSoilMoisture(raw, moisture []float64) (*FitResult, error) {
	xs := make([]float64, len(raw))
	for i, r := range raw {
		xs[i] = storage.SoilSensorCeiling - r
	}
	return Fit(xs, moisture)
}

// FitSamples fits a captured calibration set.
func FitSamples(samples []storage.CalibrationSample) (*FitResult, error) {
	raw := make([]float64, len(samples))
	phys := make([]float64, len(samples))
	kind := ""
	for i, s := range samples {
		raw[i], phys[i] = s.Raw, s.Physical
		kind = s.Kind
	}
	if kind == storage.SampleSoilMoisture {
		return FitSoilMoisture(raw, phys)
	}
	return Fit(raw, phys)
}

// leastSquares solves the normal equations of a degree-d fit by Gaussian
// elimination with partial pivoting.
func leastSquares(xs, ys []float64, degree int) ([]float64, bool) {
	m := degree + 1
	a := make([][]float64, m)
	for i := range a {
		a[i] = make([]float64, m+1)
	}
	for p, x := range xs {
		pow := make([]float64, 2*m-1)
		pow[0] = 1
		for k := 1; k < len(pow); k++ {
			pow[k] = pow[k-1] * x
		}
		for i := 0; i < m; i++ {
			for j := 0; j < m; j++ {
				a[i][j] += pow[i+j]
			}
			a[i][m] += pow[i] * ys[p]
		}
	}

	for col := 0; col < m; col++ {
		pivot := col
		for r := col + 1; r < m; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, false
		}
		a[col], a[pivot] = a[pivot], a[col]
		for r := col + 1; r < m; r++ {
			f := a[r][col] / a[col][col]
			for c := col; c <= m; c++ {
				a[r][c] -= f * a[col][c]
			}
		}
	}

	out := make([]float64, m)
	for i := m - 1; i >= 0; i-- {
		sum := a[i][m]
		for j := i + 1; j < m; j++ {
			sum -= a[i][j] * out[j]
		}
		out[i] = sum / a[i][i]
	}
	return out, true
}
